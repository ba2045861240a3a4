package query

import (
	"context"
	"database/sql"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bloopsh/bloop/apierr"
)

// ftsRowID must match llmpipeline's rowid derivation exactly: both
// sides hash project_id\x00trace_id so a re-ingested trace's FTS row
// and its lookup here land on the same id.
func ftsRowID(projectID, traceID string) int64 {
	return int64(xxhash.Sum64String(projectID + "\x00" + traceID))
}

// clampLimit enforces the [1, 200] default for LLM list endpoints
// unless the caller names a tighter bound.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// Overview is the /v1/llm/overview response: headline totals over a window.
type Overview struct {
	TraceCount  int64 `json:"trace_count"`
	SpanCount   int64 `json:"span_count"`
	ErrorCount  int64 `json:"error_count"`
	InputTokens int64 `json:"input_tokens"`
	OutTokens   int64 `json:"output_tokens"`
	CostMicros  int64 `json:"cost_micros"`
}

// GetOverview summarizes LLM usage in projectID over the last hours.
func (s *Store) GetOverview(ctx context.Context, projectID string, hours int) (*Overview, error) {
	since := time.Now().Add(-time.Duration(clampHours(hours)) * time.Hour).UnixMilli()
	var o Overview
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT id), COALESCE(SUM(span_count), 0),
		COALESCE(SUM(error_count), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_micros), 0)
		FROM llm_usage_hourly WHERE project_id = ? AND hour_bucket >= ?`, projectID, since).
		Scan(&o.TraceCount, &o.SpanCount, &o.ErrorCount, &o.InputTokens, &o.OutTokens, &o.CostMicros)
	if err != nil {
		return nil, apierr.Internal("query llm overview", err)
	}
	// trace_count isn't meaningful from llm_usage_hourly (it's span-scoped);
	// derive it from llm_traces instead.
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_traces WHERE project_id = ? AND started_at >= ?`,
		projectID, since).Scan(&o.TraceCount); err != nil {
		return nil, apierr.Internal("query llm trace count", err)
	}
	return &o, nil
}

// UsagePoint is one hourly usage bucket.
type UsagePoint struct {
	HourBucket  int64 `json:"hour_bucket"`
	SpanCount   int64 `json:"span_count"`
	InputTokens int64 `json:"input_tokens"`
	OutTokens   int64 `json:"output_tokens"`
	CostMicros  int64 `json:"cost_micros"`
}

// GetUsage returns the hourly usage series, optionally filtered to one model.
func (s *Store) GetUsage(ctx context.Context, projectID, model string, hours int) ([]UsagePoint, error) {
	since := time.Now().Add(-time.Duration(clampHours(hours)) * time.Hour).UnixMilli()
	query := `SELECT hour_bucket, SUM(span_count), SUM(input_tokens), SUM(output_tokens), SUM(cost_micros)
		FROM llm_usage_hourly WHERE project_id = ? AND hour_bucket >= ?`
	args := []interface{}{projectID, since}
	if model != "" {
		query += " AND model = ?"
		args = append(args, model)
	}
	query += " GROUP BY hour_bucket ORDER BY hour_bucket ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Internal("query llm usage", err)
	}
	defer rows.Close()
	var out []UsagePoint
	for rows.Next() {
		var p UsagePoint
		if err := rows.Scan(&p.HourBucket, &p.SpanCount, &p.InputTokens, &p.OutTokens, &p.CostMicros); err != nil {
			return nil, apierr.Internal("scan llm usage", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm usage", err)
	}
	return out, nil
}

// LatencyStats is the /v1/llm/latency response for one model.
type LatencyStats struct {
	Model      string  `json:"model"`
	SpanCount  int64   `json:"span_count"`
	AvgLatency float64 `json:"avg_latency_ms"`
}

// GetLatency averages total_latency_ms/span_count per model over the window.
func (s *Store) GetLatency(ctx context.Context, projectID string, hours int) ([]LatencyStats, error) {
	since := time.Now().Add(-time.Duration(clampHours(hours)) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT model, SUM(span_count) AS n, SUM(total_latency_ms) * 1.0 / NULLIF(SUM(span_count), 0)
		FROM llm_usage_hourly WHERE project_id = ? AND hour_bucket >= ? GROUP BY model ORDER BY n DESC`, projectID, since)
	if err != nil {
		return nil, apierr.Internal("query llm latency", err)
	}
	defer rows.Close()
	var out []LatencyStats
	for rows.Next() {
		var l LatencyStats
		if err := rows.Scan(&l.Model, &l.SpanCount, &l.AvgLatency); err != nil {
			return nil, apierr.Internal("scan llm latency", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm latency", err)
	}
	return out, nil
}

// ModelStats is one row of the /v1/llm/models breakdown.
type ModelStats struct {
	Model       string `json:"model"`
	Provider    string `json:"provider"`
	SpanCount   int64  `json:"span_count"`
	CostMicros  int64  `json:"cost_micros"`
	ErrorCount  int64  `json:"error_count"`
}

// GetModels breaks usage down by model/provider over the window.
func (s *Store) GetModels(ctx context.Context, projectID string, hours int) ([]ModelStats, error) {
	since := time.Now().Add(-time.Duration(clampHours(hours)) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT model, provider, SUM(span_count), SUM(cost_micros), SUM(error_count)
		FROM llm_usage_hourly WHERE project_id = ? AND hour_bucket >= ?
		GROUP BY model, provider ORDER BY SUM(cost_micros) DESC`, projectID, since)
	if err != nil {
		return nil, apierr.Internal("query llm models", err)
	}
	defer rows.Close()
	var out []ModelStats
	for rows.Next() {
		var m ModelStats
		if err := rows.Scan(&m.Model, &m.Provider, &m.SpanCount, &m.CostMicros, &m.ErrorCount); err != nil {
			return nil, apierr.Internal("scan llm models", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm models", err)
	}
	return out, nil
}

// TraceSummary is one row of the /v1/llm/traces list.
type TraceSummary struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id,omitempty"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CostMicros  int64  `json:"cost_micros"`
	TotalTokens int64  `json:"total_tokens"`
	StartedAt   int64  `json:"started_at"`
}

// ListTraces pages through llm_traces newest-first.
func (s *Store) ListTraces(ctx context.Context, projectID string, limit, offset int) ([]TraceSummary, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(session_id, ''), name, status, cost_micros, total_tokens, started_at
		FROM llm_traces WHERE project_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`, projectID, limit, offset)
	if err != nil {
		return nil, apierr.Internal("query llm_traces", err)
	}
	defer rows.Close()
	var out []TraceSummary
	for rows.Next() {
		var t TraceSummary
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Status, &t.CostMicros, &t.TotalTokens, &t.StartedAt); err != nil {
			return nil, apierr.Internal("scan llm_traces", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_traces", err)
	}
	return out, nil
}

// TraceDetail is the full trace plus its spans. Trace detail always
// reads the row store directly, never the columnar engine.
type TraceDetail struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"session_id,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	CostMicros    int64   `json:"cost_micros"`
	Input         *string `json:"input,omitempty"`
	Output        *string `json:"output,omitempty"`
	PromptName    string  `json:"prompt_name,omitempty"`
	PromptVersion string  `json:"prompt_version,omitempty"`
	StartedAt     int64   `json:"started_at"`
	EndedAt       *int64  `json:"ended_at,omitempty"`
	Spans         []Span  `json:"spans"`
}

// Span is one row of llm_spans.
type Span struct {
	ID         string `json:"id"`
	SpanType   string `json:"span_type"`
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Status     string `json:"status"`
	CostMicros int64  `json:"cost_micros"`
	StartedAt  int64  `json:"started_at"`
}

// GetTraceDetail loads one trace and all of its spans.
func (s *Store) GetTraceDetail(ctx context.Context, projectID, traceID string) (*TraceDetail, error) {
	var t TraceDetail
	var input, output sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, COALESCE(session_id, ''), COALESCE(user_id, ''), name, status,
		input_tokens, output_tokens, total_tokens, cost_micros, input, output,
		COALESCE(prompt_name, ''), COALESCE(prompt_version, ''), started_at, ended_at
		FROM llm_traces WHERE project_id = ? AND id = ?`, projectID, traceID).
		Scan(&t.ID, &t.SessionID, &t.UserID, &t.Name, &t.Status, &t.InputTokens, &t.OutputTokens,
			&t.TotalTokens, &t.CostMicros, &input, &output, &t.PromptName, &t.PromptVersion, &t.StartedAt, &t.EndedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("unknown trace %q", traceID)
	}
	if err != nil {
		return nil, apierr.Internal("query llm_traces detail", err)
	}
	if input.Valid {
		t.Input = &input.String
	}
	if output.Valid {
		t.Output = &output.String
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, span_type, name, COALESCE(model, ''), COALESCE(provider, ''),
		latency_ms, status, cost_micros, started_at
		FROM llm_spans WHERE project_id = ? AND trace_id = ? ORDER BY started_at ASC`, projectID, traceID)
	if err != nil {
		return nil, apierr.Internal("query llm_spans", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sp Span
		if err := rows.Scan(&sp.ID, &sp.SpanType, &sp.Name, &sp.Model, &sp.Provider, &sp.LatencyMs, &sp.Status, &sp.CostMicros, &sp.StartedAt); err != nil {
			return nil, apierr.Internal("scan llm_spans", err)
		}
		t.Spans = append(t.Spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_spans", err)
	}
	return &t, nil
}

// PromptStats is one row of the /v1/llm/prompts breakdown: usage
// grouped by the prompt template a trace names.
type PromptStats struct {
	PromptName    string `json:"prompt_name"`
	PromptVersion string `json:"prompt_version"`
	TraceCount    int64  `json:"trace_count"`
	CostMicros    int64  `json:"cost_micros"`
}

// GetPrompts groups traces by prompt_name/prompt_version.
func (s *Store) GetPrompts(ctx context.Context, projectID string, hours int) ([]PromptStats, error) {
	since := time.Now().Add(-time.Duration(clampHours(hours)) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(prompt_name, '(none)'), COALESCE(prompt_version, ''),
		COUNT(*), COALESCE(SUM(cost_micros), 0)
		FROM llm_traces WHERE project_id = ? AND started_at >= ? AND prompt_name IS NOT NULL
		GROUP BY prompt_name, prompt_version ORDER BY COUNT(*) DESC`, projectID, since)
	if err != nil {
		return nil, apierr.Internal("query llm prompts", err)
	}
	defer rows.Close()
	var out []PromptStats
	for rows.Next() {
		var p PromptStats
		if err := rows.Scan(&p.PromptName, &p.PromptVersion, &p.TraceCount, &p.CostMicros); err != nil {
			return nil, apierr.Internal("scan llm prompts", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm prompts", err)
	}
	return out, nil
}

// SessionSummary is one row of the /v1/llm/sessions list.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	TraceCount   int64  `json:"trace_count"`
	CostMicros   int64  `json:"cost_micros"`
	StartedAt    int64  `json:"started_at"`
	LastTraceAt  int64  `json:"last_trace_at"`
}

// ListSessions groups traces by session_id. LastTraceAt mirrors
// StartedAt per the Open Question decision recorded in DESIGN.md: a
// session's bookkeeping isn't revisited on later trace arrival.
func (s *Store) ListSessions(ctx context.Context, projectID string, limit, offset int) ([]SessionSummary, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, COALESCE(MIN(user_id), ''), COUNT(*), COALESCE(SUM(cost_micros), 0),
		MIN(started_at)
		FROM llm_traces WHERE project_id = ? AND session_id IS NOT NULL
		GROUP BY session_id ORDER BY MIN(started_at) DESC LIMIT ? OFFSET ?`, projectID, limit, offset)
	if err != nil {
		return nil, apierr.Internal("query llm sessions", err)
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var se SessionSummary
		if err := rows.Scan(&se.SessionID, &se.UserID, &se.TraceCount, &se.CostMicros, &se.StartedAt); err != nil {
			return nil, apierr.Internal("scan llm sessions", err)
		}
		se.LastTraceAt = se.StartedAt
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm sessions", err)
	}
	return out, nil
}

// GetSession returns the traces belonging to one session_id.
func (s *Store) GetSession(ctx context.Context, projectID, sessionID string) ([]TraceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(session_id, ''), name, status, cost_micros, total_tokens, started_at
		FROM llm_traces WHERE project_id = ? AND session_id = ? ORDER BY started_at ASC`, projectID, sessionID)
	if err != nil {
		return nil, apierr.Internal("query llm session traces", err)
	}
	defer rows.Close()
	var out []TraceSummary
	for rows.Next() {
		var t TraceSummary
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Status, &t.CostMicros, &t.TotalTokens, &t.StartedAt); err != nil {
			return nil, apierr.Internal("scan llm session traces", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm session traces", err)
	}
	if len(out) == 0 {
		return nil, apierr.NotFound("unknown session %q", sessionID)
	}
	return out, nil
}

// ToolStats is one row of the /v1/llm/tools breakdown: span_type="tool"
// spans grouped by name.
type ToolStats struct {
	Name       string `json:"name"`
	CallCount  int64  `json:"call_count"`
	ErrorCount int64  `json:"error_count"`
	AvgLatency float64 `json:"avg_latency_ms"`
}

// GetTools summarizes tool-type spans by name over the window.
func (s *Store) GetTools(ctx context.Context, projectID string, hours int) ([]ToolStats, error) {
	return s.spanBreakdownByName(ctx, projectID, "tool", hours)
}

// GetRAG summarizes retrieval-type spans by name over the window.
func (s *Store) GetRAG(ctx context.Context, projectID string, hours int) ([]ToolStats, error) {
	return s.spanBreakdownByName(ctx, projectID, "retrieval", hours)
}

func (s *Store) spanBreakdownByName(ctx context.Context, projectID, spanType string, hours int) ([]ToolStats, error) {
	since := time.Now().Add(-time.Duration(clampHours(hours)) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT name, COUNT(*), SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		AVG(latency_ms)
		FROM llm_spans WHERE project_id = ? AND span_type = ? AND started_at >= ?
		GROUP BY name ORDER BY COUNT(*) DESC`, projectID, spanType, since)
	if err != nil {
		return nil, apierr.Internal("query span breakdown", err)
	}
	defer rows.Close()
	var out []ToolStats
	for rows.Next() {
		var t ToolStats
		if err := rows.Scan(&t.Name, &t.CallCount, &t.ErrorCount, &t.AvgLatency); err != nil {
			return nil, apierr.Internal("scan span breakdown", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate span breakdown", err)
	}
	return out, nil
}

// SearchTraces runs an FTS5 MATCH over llm_traces_fts and returns the
// matching trace summaries. An empty query falls through to ListTraces;
// FTS5 syntax errors surface as Validation, not Internal.
func (s *Store) SearchTraces(ctx context.Context, projectID, q string, limit int) ([]TraceSummary, error) {
	if q == "" {
		return s.ListTraces(ctx, projectID, limit, 0)
	}
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx, `SELECT rowid FROM llm_traces_fts WHERE llm_traces_fts MATCH ? LIMIT ?`, q, limit)
	if err != nil {
		return nil, apierr.Validation("invalid search query: %v", err)
	}
	defer rows.Close()
	var rowIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.Internal("scan llm_traces_fts", err)
		}
		rowIDs = append(rowIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_traces_fts", err)
	}
	if len(rowIDs) == 0 {
		return nil, nil
	}

	// FTS rowids are xxhash(project_id + trace_id); matching back to
	// llm_traces means scanning this project's traces and recomputing
	// the same hash, since FTS is contentless and stores no columns
	// we can join on directly.
	return s.traceSummariesMatchingFTSRows(ctx, projectID, rowIDs)
}

func (s *Store) traceSummariesMatchingFTSRows(ctx context.Context, projectID string, rowIDs []int64) ([]TraceSummary, error) {
	want := make(map[int64]bool, len(rowIDs))
	for _, id := range rowIDs {
		want[id] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(session_id, ''), name, status, cost_micros, total_tokens, started_at
		FROM llm_traces WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, apierr.Internal("query llm_traces for search", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var t TraceSummary
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Status, &t.CostMicros, &t.TotalTokens, &t.StartedAt); err != nil {
			return nil, apierr.Internal("scan llm_traces for search", err)
		}
		if want[ftsRowID(projectID, t.ID)] {
			out = append(out, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_traces for search", err)
	}
	return out, nil
}

// ScoreSummary is one aggregated row of /v1/llm/scores/summary.
type ScoreSummary struct {
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	Average float64 `json:"average"`
}

// GetScoreSummary averages numeric scores by name across projectID.
func (s *Store) GetScoreSummary(ctx context.Context, projectID string) ([]ScoreSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, COUNT(*), AVG(value_numeric) FROM llm_trace_scores
		WHERE project_id = ? AND value_numeric IS NOT NULL GROUP BY name ORDER BY COUNT(*) DESC`, projectID)
	if err != nil {
		return nil, apierr.Internal("query llm_trace_scores summary", err)
	}
	defer rows.Close()
	var out []ScoreSummary
	for rows.Next() {
		var sc ScoreSummary
		if err := rows.Scan(&sc.Name, &sc.Count, &sc.Average); err != nil {
			return nil, apierr.Internal("scan llm_trace_scores summary", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_trace_scores summary", err)
	}
	return out, nil
}

// FeedbackSummary is one aggregated row of /v1/llm/feedback/summary.
type FeedbackSummary struct {
	Rating string `json:"rating"`
	Count  int64  `json:"count"`
}

// GetFeedbackSummary counts feedback ratings across projectID.
func (s *Store) GetFeedbackSummary(ctx context.Context, projectID string) ([]FeedbackSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rating, COUNT(*) FROM llm_trace_feedback
		WHERE project_id = ? GROUP BY rating ORDER BY COUNT(*) DESC`, projectID)
	if err != nil {
		return nil, apierr.Internal("query llm_trace_feedback summary", err)
	}
	defer rows.Close()
	var out []FeedbackSummary
	for rows.Next() {
		var f FeedbackSummary
		if err := rows.Scan(&f.Rating, &f.Count); err != nil {
			return nil, apierr.Internal("scan llm_trace_feedback summary", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_trace_feedback summary", err)
	}
	return out, nil
}

// Budget is the /v1/llm/budget response.
type Budget struct {
	MonthlyBudgetMicros int64   `json:"monthly_budget_micros"`
	AlertThresholdPct   float64 `json:"alert_threshold_pct"`
	UsedMicros          int64   `json:"used_micros"`
	UsedPct             float64 `json:"used_pct"`
}

// GetBudget reads the configured monthly budget and the current
// month's usage.
func (s *Store) GetBudget(ctx context.Context, projectID string) (*Budget, error) {
	var b Budget
	err := s.db.QueryRowContext(ctx, `SELECT monthly_budget_micros, alert_threshold_pct FROM llm_cost_budgets WHERE project_id = ?`,
		projectID).Scan(&b.MonthlyBudgetMicros, &b.AlertThresholdPct)
	if err == sql.ErrNoRows {
		b.AlertThresholdPct = 90
	} else if err != nil {
		return nil, apierr.Internal("query llm_cost_budgets", err)
	}

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_micros), 0) FROM llm_usage_hourly
		WHERE project_id = ? AND hour_bucket >= ?`, projectID, monthStart).Scan(&b.UsedMicros); err != nil {
		return nil, apierr.Internal("query monthly usage", err)
	}
	if b.MonthlyBudgetMicros > 0 {
		b.UsedPct = float64(b.UsedMicros) / float64(b.MonthlyBudgetMicros) * 100
	}
	return &b, nil
}

// SetBudget upserts the project's monthly budget.
func (s *Store) SetBudget(ctx context.Context, projectID string, monthlyBudgetMicros int64, alertThresholdPct float64, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_cost_budgets (project_id, monthly_budget_micros, alert_threshold_pct, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET monthly_budget_micros = excluded.monthly_budget_micros,
		alert_threshold_pct = excluded.alert_threshold_pct, updated_at = excluded.updated_at`,
		projectID, monthlyBudgetMicros, alertThresholdPct, nowMs)
	if err != nil {
		return apierr.Internal("upsert llm_cost_budgets", err)
	}
	return nil
}

// TraceScore is one row of llm_trace_scores.
type TraceScore struct {
	Name         string   `json:"name"`
	ValueNumeric *float64 `json:"value_numeric,omitempty"`
	ValueString  string   `json:"value_string,omitempty"`
	Comment      string   `json:"comment,omitempty"`
	Source       string   `json:"source"`
	CreatedAt    int64    `json:"created_at"`
}

// AddScore upserts one (project, trace, name) score row.
func (s *Store) AddScore(ctx context.Context, projectID, traceID, name string, valueNumeric *float64, valueString, comment, source string, nowMs int64) error {
	if source == "" {
		source = "human"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_trace_scores (project_id, trace_id, name, value_numeric, value_string, comment, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, trace_id, name) DO UPDATE SET value_numeric = excluded.value_numeric,
		value_string = excluded.value_string, comment = excluded.comment, source = excluded.source, created_at = excluded.created_at`,
		projectID, traceID, name, valueNumeric, valueString, comment, source, nowMs)
	if err != nil {
		return apierr.Internal("upsert llm_trace_scores", err)
	}
	return nil
}

// ListScores returns every score recorded against one trace.
func (s *Store) ListScores(ctx context.Context, projectID, traceID string) ([]TraceScore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value_numeric, COALESCE(value_string, ''), COALESCE(comment, ''), source, created_at
		FROM llm_trace_scores WHERE project_id = ? AND trace_id = ? ORDER BY created_at DESC`, projectID, traceID)
	if err != nil {
		return nil, apierr.Internal("query llm_trace_scores", err)
	}
	defer rows.Close()
	var out []TraceScore
	for rows.Next() {
		var sc TraceScore
		var valueNumeric sql.NullFloat64
		if err := rows.Scan(&sc.Name, &valueNumeric, &sc.ValueString, &sc.Comment, &sc.Source, &sc.CreatedAt); err != nil {
			return nil, apierr.Internal("scan llm_trace_scores", err)
		}
		if valueNumeric.Valid {
			sc.ValueNumeric = &valueNumeric.Float64
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_trace_scores", err)
	}
	return out, nil
}

// TraceFeedback is one row of llm_trace_feedback.
type TraceFeedback struct {
	UserID    string `json:"user_id"`
	Rating    string `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AddFeedback upserts one (project, trace, user) feedback row.
func (s *Store) AddFeedback(ctx context.Context, projectID, traceID, userID, rating, comment string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_trace_feedback (project_id, trace_id, user_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, trace_id, user_id) DO UPDATE SET rating = excluded.rating,
		comment = excluded.comment, created_at = excluded.created_at`,
		projectID, traceID, userID, rating, comment, nowMs)
	if err != nil {
		return apierr.Internal("upsert llm_trace_feedback", err)
	}
	return nil
}

// ListFeedback returns every feedback row recorded against one trace.
func (s *Store) ListFeedback(ctx context.Context, projectID, traceID string) ([]TraceFeedback, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, rating, COALESCE(comment, ''), created_at
		FROM llm_trace_feedback WHERE project_id = ? AND trace_id = ? ORDER BY created_at DESC`, projectID, traceID)
	if err != nil {
		return nil, apierr.Internal("query llm_trace_feedback", err)
	}
	defer rows.Close()
	var out []TraceFeedback
	for rows.Next() {
		var f TraceFeedback
		if err := rows.Scan(&f.UserID, &f.Rating, &f.Comment, &f.CreatedAt); err != nil {
			return nil, apierr.Internal("scan llm_trace_feedback", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_trace_feedback", err)
	}
	return out, nil
}

// PricingOverrideRow is one row of llm_pricing_overrides.
type PricingOverrideRow struct {
	Model              string  `json:"model"`
	ProjectID          string  `json:"project_id"`
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	Provider           string  `json:"provider"`
}

// ListPricingOverrides returns every row of llm_pricing_overrides, for
// loading pricing.Table at startup and for the admin listing endpoint.
func (s *Store) ListPricingOverrides(ctx context.Context) ([]PricingOverrideRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, project_id, input_cost_per_token, output_cost_per_token, provider
		FROM llm_pricing_overrides`)
	if err != nil {
		return nil, apierr.Internal("query llm_pricing_overrides", err)
	}
	defer rows.Close()
	var out []PricingOverrideRow
	for rows.Next() {
		var r PricingOverrideRow
		if err := rows.Scan(&r.Model, &r.ProjectID, &r.InputCostPerToken, &r.OutputCostPerToken, &r.Provider); err != nil {
			return nil, apierr.Internal("scan llm_pricing_overrides", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate llm_pricing_overrides", err)
	}
	return out, nil
}

// SetPricingOverride upserts one pricing override row. projectID "" is
// normalized to the "__global__" scope the unique index expects.
func (s *Store) SetPricingOverride(ctx context.Context, model, projectID string, inputCostPerToken, outputCostPerToken float64, provider string, nowMs int64) error {
	if projectID == "" {
		projectID = "__global__"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_pricing_overrides (model, project_id, input_cost_per_token, output_cost_per_token, provider, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, project_id) DO UPDATE SET input_cost_per_token = excluded.input_cost_per_token,
		output_cost_per_token = excluded.output_cost_per_token, provider = excluded.provider, updated_at = excluded.updated_at`,
		model, projectID, inputCostPerToken, outputCostPerToken, provider, nowMs)
	if err != nil {
		return apierr.Internal("upsert llm_pricing_overrides", err)
	}
	return nil
}
