// Package alerts implements two alert evaluators: a streaming
// new-issue evaluator consuming eventpipeline.NewFingerprintEvent, and
// a 60-second periodic evaluator for LLM cost/error/latency/budget
// rule types. The streaming evaluator runs per received event, the
// periodic one on a ticker; both gate firing on a cooldown, and
// dispatch is an out-of-scope external boundary.
package alerts

import (
	"encoding/json"
	"fmt"
)

// RuleType enumerates the alert_rules.rule_type tag values.
type RuleType string

const (
	RuleNewIssue  RuleType = "new_issue"
	RuleCostSpike RuleType = "cost_spike"
	RuleErrorRate RuleType = "error_rate"
	RuleLatency   RuleType = "latency"
	RuleBudget    RuleType = "budget"
)

// Rule is one row of alert_rules, with Config left raw for the
// evaluator to unmarshal per its RuleType.
type Rule struct {
	ID        string
	ProjectID *string // nil means global
	RuleType  RuleType
	Enabled   bool
	Config    string // raw JSON
	CreatedAt int64
}

// NewIssueConfig is new_issue's config shape: an optional environment
// filter and the channels to dispatch to.
type NewIssueConfig struct {
	Environment string   `json:"environment,omitempty"`
	Channels    []string `json:"channels,omitempty"`
}

// CostSpikeConfig is cost_spike's config shape.
type CostSpikeConfig struct {
	WindowSecs      int64    `json:"window_secs"`
	ModelFilter     string   `json:"model_filter,omitempty"`
	ThresholdDollars float64 `json:"threshold_dollars"`
	Channels        []string `json:"channels,omitempty"`
}

// ErrorRateConfig is error_rate's config shape.
type ErrorRateConfig struct {
	WindowSecs    int64    `json:"window_secs"`
	ModelFilter   string   `json:"model_filter,omitempty"`
	MinTraces     int64    `json:"min_traces"`
	ThresholdPct  float64  `json:"threshold_pct"`
	Channels      []string `json:"channels,omitempty"`
}

// LatencyConfig is latency's config shape. Percentile is a string like
// "p95" or "99"; malformed values default to 99.
type LatencyConfig struct {
	WindowSecs  int64    `json:"window_secs"`
	ModelFilter string   `json:"model_filter,omitempty"`
	Percentile  string   `json:"percentile"`
	ThresholdMs float64  `json:"threshold_ms"`
	Channels    []string `json:"channels,omitempty"`
}

func decodeConfig(raw string, v interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode rule config: %w", err)
	}
	return nil
}
