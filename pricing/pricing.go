// Package pricing implements bloop's model pricing table: a bundled
// base rate sheet, row-store-backed overrides, a prefix/date-suffix
// fallback lookup chain, and a periodic background refresh. Generalized
// from a per-1M-token/provider-keyed table to the per-token,
// override-aware table the row store persists.
package pricing

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// knownPrefixes is the provider-prefix search order for an unqualified
// model name.
var knownPrefixes = []string{"openai", "anthropic", "google", "azure", "cohere", "mistral"}

// dateSuffixRE matches a trailing "-YYYY-MM-DD" model-version suffix,
// e.g. "gpt-4o-2024-08-06" -> "gpt-4o".
var dateSuffixRE = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// Rate is one model's per-token input/output cost plus its provider label.
type Rate struct {
	InputCostPerToken  float64
	OutputCostPerToken float64
	Provider           string
}

// Table is the pricing lookup used by llmpipeline's cost attribution.
// base holds the bundled/refreshed rate sheet; overrides holds
// project-scoped and global rows loaded from llm_pricing_overrides.
type Table struct {
	mu        sync.RWMutex
	base      map[string]Rate
	overrides map[string]Rate // key: model+"\x00"+projectID, projectID "__global__" for global rows

	httpClient *http.Client
	url        string
	logger     zerolog.Logger
}

// New builds a Table seeded with the bundled default rate sheet.
func New(logger zerolog.Logger, refreshURL string) *Table {
	return &Table{
		base:       defaultBase(),
		overrides:  make(map[string]Rate),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        refreshURL,
		logger:     logger.With().Str("component", "pricing").Logger(),
	}
}

// SetOverride installs or replaces a project-scoped (or global, when
// projectID is "__global__") override row.
func (t *Table) SetOverride(model, projectID string, r Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[overrideKey(model, projectID)] = r
}

// LoadOverrides replaces the entire overrides map, e.g. at startup
// after reading every row from llm_pricing_overrides.
func (t *Table) LoadOverrides(rows map[string]Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides = rows
}

func overrideKey(model, projectID string) string {
	if projectID == "" {
		projectID = "__global__"
	}
	return model + "\x00" + projectID
}

// Lookup resolves a rate for model within projectID's scope, following
// a fallback chain: project override, global override, base match
// (exact, then each known provider prefix), then the same three steps
// again with the date suffix stripped. ok is false only when no rate at
// any step could be found
// (caller's cost then stays at the submitted value).
func (t *Table) Lookup(model, projectID string) (Rate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.overrides[overrideKey(model, projectID)]; ok {
		return r, true
	}
	if r, ok := t.overrides[overrideKey(model, "__global__")]; ok {
		return r, true
	}
	if r, ok := t.lookupBase(model); ok {
		return r, true
	}

	if base := dateSuffixRE.ReplaceAllString(model, ""); base != model {
		if r, ok := t.overrides[overrideKey(base, projectID)]; ok {
			return r, true
		}
		if r, ok := t.overrides[overrideKey(base, "__global__")]; ok {
			return r, true
		}
		if r, ok := t.lookupBase(base); ok {
			return r, true
		}
	}

	return Rate{}, false
}

// lookupBase tries an exact base match, then each known prefix.
// Caller holds the read lock.
func (t *Table) lookupBase(model string) (Rate, bool) {
	if r, ok := t.base[model]; ok {
		return r, true
	}
	for _, prefix := range knownPrefixes {
		if r, ok := t.base[prefix+"/"+model]; ok {
			return r, true
		}
	}
	return Rate{}, false
}

// CostMicros implements bloop's server-side cost attribution: when
// pricing is known and the submitted cost is 0 with nonzero token
// counts, compute from rates; otherwise convert submittedDollars.
func (t *Table) CostMicros(model, projectID string, inputTokens, outputTokens int64, submittedDollars float64) int64 {
	if submittedDollars == 0 && model != "" && (inputTokens > 0 || outputTokens > 0) {
		if r, ok := t.Lookup(model, projectID); ok {
			dollars := float64(inputTokens)*r.InputCostPerToken + float64(outputTokens)*r.OutputCostPerToken
			return round6(dollars)
		}
	}
	return round6(submittedDollars)
}

func round6(dollars float64) int64 {
	return int64(math.Round(dollars * 1_000_000))
}

// rateSheet is the bundled-JSON shape:
// { model_name: { input_cost_per_token, output_cost_per_token, provider } }.
type rateSheet map[string]struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	Provider           string  `json:"provider"`
}

func (s rateSheet) toBase() map[string]Rate {
	out := make(map[string]Rate, len(s))
	for k, v := range s {
		out[k] = Rate{InputCostPerToken: v.InputCostPerToken, OutputCostPerToken: v.OutputCostPerToken, Provider: v.Provider}
	}
	return out
}

// RunRefresher blocks, fetching t.url at interval and atomically
// replacing base on a successful non-empty parse. Returns when ctx is
// cancelled. A no-op if url is unset.
func (t *Table) RunRefresher(ctx context.Context, interval time.Duration) {
	if t.url == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshOnce(ctx)
		}
	}
}

func (t *Table) refreshOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("pricing refresh: build request failed")
		return
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn().Err(err).Msg("pricing refresh: fetch failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.logger.Warn().Err(err).Msg("pricing refresh: read body failed")
		return
	}

	var sheet rateSheet
	if err := json.Unmarshal(body, &sheet); err != nil {
		t.logger.Warn().Err(err).Msg("pricing refresh: parse failed")
		return
	}
	base := sheet.toBase()
	if len(base) == 0 {
		t.logger.Warn().Msg("pricing refresh: parsed empty rate sheet, keeping current base")
		return
	}

	t.mu.Lock()
	t.base = base
	t.mu.Unlock()
	t.logger.Info().Int("models", len(base)).Msg("pricing base refreshed")
}

// defaultBase is the bundled startup rate sheet (per-token USD rates,
// converted from published per-1M-token figures).
func defaultBase() map[string]Rate {
	perM := func(in, out float64, provider string) Rate {
		return Rate{InputCostPerToken: in / 1_000_000, OutputCostPerToken: out / 1_000_000, Provider: provider}
	}
	return map[string]Rate{
		"openai/gpt-4o":                  perM(2.50, 10.00, "openai"),
		"openai/gpt-4o-mini":             perM(0.15, 0.60, "openai"),
		"openai/gpt-4-turbo":             perM(10.00, 30.00, "openai"),
		"openai/gpt-4":                   perM(30.00, 60.00, "openai"),
		"openai/gpt-3.5-turbo":           perM(0.50, 1.50, "openai"),
		"openai/o1":                      perM(15.00, 60.00, "openai"),
		"openai/o1-mini":                 perM(3.00, 12.00, "openai"),
		"anthropic/claude-3-5-sonnet":    perM(3.00, 15.00, "anthropic"),
		"anthropic/claude-3-5-haiku":     perM(0.80, 4.00, "anthropic"),
		"anthropic/claude-3-opus":        perM(15.00, 75.00, "anthropic"),
		"anthropic/claude-3-sonnet":      perM(3.00, 15.00, "anthropic"),
		"anthropic/claude-3-haiku":       perM(0.25, 1.25, "anthropic"),
		"google/gemini-2.0-flash":        perM(0.10, 0.40, "google"),
		"google/gemini-1.5-pro":          perM(1.25, 5.00, "google"),
		"google/gemini-1.5-flash":        perM(0.075, 0.30, "google"),
		"azure/gpt-4o":                   perM(2.50, 10.00, "azure"),
		"azure/gpt-4o-mini":              perM(0.15, 0.60, "azure"),
		"mistral/mistral-large-latest":   perM(2.00, 6.00, "mistral"),
		"mistral/mistral-small-latest":   perM(0.20, 0.60, "mistral"),
		"cohere/command-r-plus":          perM(2.50, 10.00, "cohere"),
		"cohere/command-r":               perM(0.15, 0.60, "cohere"),
	}
}
