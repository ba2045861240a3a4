package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/observability"
)

// PeriodicEvaluator runs every 60 seconds and evaluates every enabled
// LLM rule type: cost_spike, error_rate, latency, budget.
type PeriodicEvaluator struct {
	db           *sql.DB
	logger       zerolog.Logger
	dispatcher   Dispatcher
	cooldownSecs int64
	metrics      *observability.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodicEvaluator builds the evaluator. metrics may be nil.
func NewPeriodicEvaluator(db *sql.DB, logger zerolog.Logger, dispatcher Dispatcher, cooldownSecs int64, metrics *observability.Metrics) *PeriodicEvaluator {
	return &PeriodicEvaluator{
		db:           db,
		logger:       logger.With().Str("component", "alerts.periodic").Logger(),
		dispatcher:   dispatcher,
		cooldownSecs: cooldownSecs,
		metrics:      metrics,
		done:         make(chan struct{}),
	}
}

// Start begins the 60-second loop in a new goroutine.
func (e *PeriodicEvaluator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (e *PeriodicEvaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}

func (e *PeriodicEvaluator) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EvaluateOnce(ctx); err != nil {
				e.logger.Error().Err(err).Msg("periodic alert evaluation failed")
			}
		}
	}
}

// EvaluateOnce runs every enabled project-scoped LLM rule once.
func (e *PeriodicEvaluator) EvaluateOnce(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, project_id, rule_type, config FROM alert_rules
		WHERE enabled = 1 AND project_id IS NOT NULL
		AND rule_type IN ('cost_spike', 'error_rate', 'latency', 'budget')`)
	if err != nil {
		return fmt.Errorf("query llm alert_rules: %w", err)
	}
	type rule struct {
		id, projectID, ruleType, config string
	}
	var rules []rule
	for rows.Next() {
		var r rule
		if err := rows.Scan(&r.id, &r.projectID, &r.ruleType, &r.config); err != nil {
			rows.Close()
			return fmt.Errorf("scan alert_rules row: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate alert_rules: %w", err)
	}
	rows.Close()

	now := time.Now().UnixMilli()

	for _, r := range rules {
		var fired bool
		var cooldownKey, message string
		var evalErr error

		switch RuleType(r.ruleType) {
		case RuleCostSpike:
			fired, cooldownKey, message, evalErr = e.evalCostSpike(ctx, r.projectID, r.config, now)
		case RuleErrorRate:
			fired, cooldownKey, message, evalErr = e.evalErrorRate(ctx, r.projectID, r.config, now)
		case RuleLatency:
			fired, cooldownKey, message, evalErr = e.evalLatency(ctx, r.projectID, r.config, now)
		case RuleBudget:
			fired, cooldownKey, message, evalErr = e.evalBudget(ctx, r.projectID, now)
		}
		if evalErr != nil {
			e.logger.Warn().Err(evalErr).Str("rule_id", r.id).Str("rule_type", r.ruleType).Msg("rule evaluation error")
			continue
		}
		if !fired {
			continue
		}

		ok, err := e.checkAndSetCooldown(ctx, r.projectID, r.id, cooldownKey, now)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", r.id).Msg("cooldown check failed")
			continue
		}
		if !ok {
			continue
		}
		if e.metrics != nil {
			e.metrics.AlertsFired.WithLabelValues(r.projectID, r.ruleType).Inc()
		}
		e.dispatcher.Dispatch(r.id, channelsFromConfig(r.config), message)
	}

	return nil
}

func (e *PeriodicEvaluator) evalCostSpike(ctx context.Context, projectID, rawConfig string, now int64) (bool, string, string, error) {
	var cfg CostSpikeConfig
	if err := decodeConfig(rawConfig, &cfg); err != nil {
		return false, "", "", err
	}
	windowStart := now - cfg.WindowSecs*1000

	query := `SELECT COALESCE(SUM(cost_micros), 0) FROM llm_usage_hourly WHERE project_id = ? AND hour_bucket >= ?`
	args := []interface{}{projectID, windowStart}
	if cfg.ModelFilter != "" {
		query += ` AND model = ?`
		args = append(args, cfg.ModelFilter)
	}

	var costMicros int64
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&costMicros); err != nil {
		return false, "", "", fmt.Errorf("query cost_spike: %w", err)
	}
	dollars := float64(costMicros) / 1_000_000
	key := "cost_spike:" + cfg.ModelFilter
	if dollars <= cfg.ThresholdDollars {
		return false, key, "", nil
	}
	return true, key, fmt.Sprintf("cost spike in project %s: $%.2f over the last %ds (threshold $%.2f)", projectID, dollars, cfg.WindowSecs, cfg.ThresholdDollars), nil
}

func (e *PeriodicEvaluator) evalErrorRate(ctx context.Context, projectID, rawConfig string, now int64) (bool, string, string, error) {
	var cfg ErrorRateConfig
	if err := decodeConfig(rawConfig, &cfg); err != nil {
		return false, "", "", err
	}
	windowStart := now - cfg.WindowSecs*1000

	query := `SELECT COUNT(*), SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) FROM llm_spans
		WHERE project_id = ? AND started_at >= ?`
	args := []interface{}{projectID, windowStart}
	if cfg.ModelFilter != "" {
		query += ` AND model = ?`
		args = append(args, cfg.ModelFilter)
	}

	var total, errCount int64
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&total, &errCount); err != nil {
		return false, "", "", fmt.Errorf("query error_rate: %w", err)
	}
	key := "error_rate:" + cfg.ModelFilter
	if total < cfg.MinTraces {
		return false, key, "", nil
	}
	errorRatePct := float64(errCount) / float64(total) * 100
	if errorRatePct <= cfg.ThresholdPct {
		return false, key, "", nil
	}
	return true, key, fmt.Sprintf("error rate in project %s: %.1f%% over %d spans (threshold %.1f%%)", projectID, errorRatePct, total, cfg.ThresholdPct), nil
}

func (e *PeriodicEvaluator) evalLatency(ctx context.Context, projectID, rawConfig string, now int64) (bool, string, string, error) {
	var cfg LatencyConfig
	if err := decodeConfig(rawConfig, &cfg); err != nil {
		return false, "", "", err
	}
	windowStart := now - cfg.WindowSecs*1000

	query := `SELECT latency_ms FROM llm_spans WHERE project_id = ? AND started_at >= ?`
	args := []interface{}{projectID, windowStart}
	if cfg.ModelFilter != "" {
		query += ` AND model = ?`
		args = append(args, cfg.ModelFilter)
	}
	query += ` ORDER BY latency_ms ASC`

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return false, "", "", fmt.Errorf("query latency spans: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return false, "", "", fmt.Errorf("scan latency: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return false, "", "", fmt.Errorf("iterate latency spans: %w", err)
	}

	key := "latency:" + cfg.Percentile + ":" + cfg.ModelFilter
	if len(values) == 0 {
		return false, key, "", nil
	}

	pct := parsePercentile(cfg.Percentile)
	idx := int(math.Ceil(pct / 100 * float64(len(values)-1)))
	if idx >= len(values) {
		idx = len(values) - 1
	}
	if idx < 0 {
		idx = 0
	}
	value := values[idx]

	if value <= cfg.ThresholdMs {
		return false, key, "", nil
	}
	return true, key, fmt.Sprintf("p%.0f latency in project %s: %.0fms over %d spans (threshold %.0fms)", pct, projectID, value, len(values), cfg.ThresholdMs), nil
}

// parsePercentile strips an optional leading "p" and parses a float;
// malformed values default to 99.
func parsePercentile(s string) float64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "p")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 99
	}
	return v
}

func (e *PeriodicEvaluator) evalBudget(ctx context.Context, projectID string, now int64) (bool, string, string, error) {
	var budgetMicros int64
	var thresholdPct float64
	err := e.db.QueryRowContext(ctx, `SELECT monthly_budget_micros, alert_threshold_pct FROM llm_cost_budgets WHERE project_id = ?`, projectID).
		Scan(&budgetMicros, &thresholdPct)
	if err == sql.ErrNoRows || budgetMicros <= 0 {
		return false, "budget", "", nil
	}
	if err != nil {
		return false, "", "", fmt.Errorf("query llm_cost_budgets: %w", err)
	}

	monthStart := startOfMonthMs(now)
	var usedMicros int64
	if err := e.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_micros), 0) FROM llm_usage_hourly WHERE project_id = ? AND hour_bucket >= ?`, projectID, monthStart).Scan(&usedMicros); err != nil {
		return false, "", "", fmt.Errorf("query monthly usage: %w", err)
	}

	usedPct := float64(usedMicros) / float64(budgetMicros) * 100
	if usedPct < thresholdPct {
		return false, "budget", "", nil
	}
	return true, "budget", fmt.Sprintf("budget used in project %s: %.1f%% of monthly budget (threshold %.1f%%)", projectID, usedPct, thresholdPct), nil
}

// channelsFromConfig extracts the common "channels" field every
// per-type rule config carries, without needing to know which
// concrete config type the raw JSON decodes to.
func channelsFromConfig(raw string) []string {
	var shared struct {
		Channels []string `json:"channels"`
	}
	if err := decodeConfig(raw, &shared); err != nil {
		return nil
	}
	return shared.Channels
}

func startOfMonthMs(nowMs int64) int64 {
	t := time.UnixMilli(nowMs).UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start.UnixMilli()
}

func (e *PeriodicEvaluator) checkAndSetCooldown(ctx context.Context, projectID, ruleID, key string, nowMs int64) (bool, error) {
	var lastFired int64
	err := e.db.QueryRowContext(ctx, `SELECT last_fired_ts FROM llm_alert_cooldowns WHERE project_id = ? AND rule_id = ? AND key = ?`,
		projectID, ruleID, key).Scan(&lastFired)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("query llm_alert_cooldowns: %w", err)
	default:
		if nowMs-lastFired < e.cooldownSecs*1000 {
			return false, nil
		}
	}

	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO llm_alert_cooldowns (project_id, rule_id, key, last_fired_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, rule_id, key) DO UPDATE SET last_fired_ts = excluded.last_fired_ts`,
		projectID, ruleID, key, nowMs,
	); err != nil {
		return false, fmt.Errorf("upsert llm_alert_cooldowns: %w", err)
	}
	return true, nil
}
