package llmpipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/store"
)

// StoreWriter implements Writer against the row-store's *sql.DB.
type StoreWriter struct {
	db *store.DB
}

// NewStoreWriter builds a StoreWriter.
func NewStoreWriter(db *store.DB) *StoreWriter {
	return &StoreWriter{db: db}
}

// WriteBatch persists every trace (and its spans) in one transaction:
// trace insert, every span insert, one hourly-usage upsert per span,
// and one FTS row per trace with duplicate-insert errors swallowed.
func (w *StoreWriter) WriteBatch(ctx context.Context, batch []ingest.ProcessedTrace) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, tr := range batch {
		if err := w.writeTrace(ctx, tx, tr); err != nil {
			return fmt.Errorf("write trace %s: %w", tr.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (w *StoreWriter) writeTrace(ctx context.Context, tx *sql.Tx, tr ingest.ProcessedTrace) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO llm_traces (
			id, project_id, session_id, user_id, name, status,
			input_tokens, output_tokens, total_tokens, cost_micros,
			input, output, metadata, prompt_name, prompt_version,
			started_at, ended_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			session_id = excluded.session_id,
			user_id = excluded.user_id,
			name = excluded.name,
			status = excluded.status,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			cost_micros = excluded.cost_micros,
			input = excluded.input,
			output = excluded.output,
			metadata = excluded.metadata,
			ended_at = excluded.ended_at`,
		tr.ID, tr.ProjectID, nullIfEmpty(tr.SessionID), nullIfEmpty(tr.UserID), tr.Name, tr.Status,
		tr.InputTokens, tr.OutputTokens, tr.TotalTokens, tr.CostMicros,
		nullIfEmpty(tr.InputJSON), nullIfEmpty(tr.OutputJSON), nullIfEmpty(tr.MetadataJSON), nullIfEmpty(tr.PromptName), nullIfEmpty(tr.PromptVersion),
		tr.StartedAtMs, tr.EndedAtMs, tr.CreatedAtMs,
	); err != nil {
		return fmt.Errorf("upsert llm_traces: %w", err)
	}

	var spanErrors string
	for _, s := range tr.Spans {
		if err := w.writeSpan(ctx, tx, tr.ProjectID, tr.ID, s); err != nil {
			return err
		}
		if s.Status == "error" && s.ErrorMessage != "" {
			if spanErrors != "" {
				spanErrors += " "
			}
			spanErrors += s.ErrorMessage
		}
	}

	if err := w.upsertFTS(ctx, tx, tr.ProjectID, tr.ID, tr.Name, spanErrors); err != nil {
		return err
	}

	return nil
}

func (w *StoreWriter) writeSpan(ctx context.Context, tx *sql.Tx, projectID, traceID string, s ingest.ProcessedSpan) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO llm_spans (
			id, project_id, trace_id, parent_span_id, span_type, name, model, provider,
			input_tokens, output_tokens, cost_micros, latency_ms, time_to_first_token_ms,
			status, error_message, input, output, metadata, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			output = excluded.output,
			ended_at = excluded.ended_at,
			cost_micros = excluded.cost_micros`,
		s.ID, projectID, traceID, nullIfEmpty(s.ParentSpanID), s.SpanType, s.Name, nullIfEmpty(s.Model), nullIfEmpty(s.Provider),
		s.InputTokens, s.OutputTokens, s.CostMicros, s.LatencyMs, s.TimeToFirstTokenMs,
		s.Status, nullIfEmpty(s.ErrorMessage), nullIfEmpty(s.InputJSON), nullIfEmpty(s.OutputJSON), nullIfEmpty(s.MetadataJSON), s.StartedAtMs, s.EndedAtMs,
	); err != nil {
		return fmt.Errorf("upsert llm_spans: %w", err)
	}

	if s.Model == "" {
		return nil
	}
	bucket := hourBucket(s.StartedAtMs)
	provider := s.Provider
	if provider == "" {
		provider = "unknown"
	}
	isError := 0
	if s.Status == "error" {
		isError = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO llm_usage_hourly (
			project_id, hour_bucket, model, provider, span_count,
			input_tokens, output_tokens, cost_micros, error_count, total_latency_ms
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, hour_bucket, model, provider) DO UPDATE SET
			span_count = span_count + 1,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cost_micros = cost_micros + excluded.cost_micros,
			error_count = error_count + excluded.error_count,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		projectID, bucket, s.Model, provider, s.InputTokens, s.OutputTokens, s.CostMicros, isError, s.LatencyMs,
	); err != nil {
		return fmt.Errorf("upsert llm_usage_hourly: %w", err)
	}
	return nil
}

// upsertFTS writes the trace's searchable row. The FTS row id is a
// deterministic 64-bit hash of (project_id, trace_id); a duplicate
// insert on re-ingest is swallowed rather than surfaced.
func (w *StoreWriter) upsertFTS(ctx context.Context, tx *sql.Tx, projectID, traceID, name, spanErrors string) error {
	rowID := ftsRowID(projectID, traceID)
	_, _ = tx.ExecContext(ctx, `
		INSERT INTO llm_traces_fts (rowid, name, span_errors) VALUES (?, ?, ?)`,
		rowID, name, spanErrors,
	)
	// Duplicate-key failures on re-ingest of the same trace are expected
	// and swallowed; this is the one write in the transaction whose
	// error is never allowed to abort the batch.
	return nil
}

// ftsRowID derives a stable int64 SQLite rowid from a (project, trace)
// pair so repeated ingests of the same trace map to the same FTS row.
func ftsRowID(projectID, traceID string) int64 {
	h := xxhash.Sum64String(projectID + "\x00" + traceID)
	return int64(h)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
