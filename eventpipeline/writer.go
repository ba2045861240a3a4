package eventpipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/store"
)

const hourMs = int64(3600_000)

// StoreWriter implements Writer against the row-store's *sql.DB,
// writing each batch in a single transaction split into four
// statement groups: raw insert, aggregate upsert, hourly upsert,
// sample-reservoir insert+trim.
type StoreWriter struct {
	db              *store.DB
	sampleReservoir int
}

// NewStoreWriter builds a StoreWriter. sampleReservoir bounds how many
// sample_occurrences rows are retained per fingerprint.
func NewStoreWriter(db *store.DB, sampleReservoir int) *StoreWriter {
	return &StoreWriter{db: db, sampleReservoir: sampleReservoir}
}

// WriteBatch persists every event in batch inside one transaction. A
// failure aborts the whole batch (rolled back) so the caller's
// retry-once semantics apply atomically to the full batch.
func (w *StoreWriter) WriteBatch(ctx context.Context, batch []ingest.ProcessedEvent) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range batch {
		if err := w.writeOne(ctx, tx, ev); err != nil {
			return fmt.Errorf("write event (fp=%s): %w", ev.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (w *StoreWriter) writeOne(ctx context.Context, tx *sql.Tx, ev ingest.ProcessedEvent) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raw_events (
			project_id, fingerprint, source, environment, release, error_type,
			message, stack, route, screen, http_status, request_id,
			user_id_hash, device_id_hash, metadata, occurred_at, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ProjectID, ev.Fingerprint, ev.Source, ev.Environment, ev.Release, ev.ErrorType,
		ev.Message, nullIfEmpty(ev.Stack), nullIfEmpty(ev.Route), nullIfEmpty(ev.Screen), ev.HTTPStatus, nullIfEmpty(ev.RequestID),
		nullIfEmpty(ev.UserIDHash), nullIfEmpty(ev.DeviceIDHash), nullIfEmpty(ev.MetadataJSON), ev.OccurredAtMs, ev.ReceivedAtMs,
	); err != nil {
		return fmt.Errorf("insert raw_events: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO error_aggregates (
			project_id, fingerprint, release, environment, error_type, message, source, route, screen,
			status, first_seen, last_seen, total_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'unresolved', ?, ?, 1)
		ON CONFLICT(project_id, fingerprint, release, environment) DO UPDATE SET
			last_seen = excluded.last_seen,
			total_count = total_count + 1,
			message = excluded.message,
			status = CASE WHEN status = 'resolved' THEN 'unresolved' ELSE status END`,
		ev.ProjectID, ev.Fingerprint, ev.Release, ev.Environment, ev.ErrorType, ev.Message, ev.Source, nullIfEmpty(ev.Route), nullIfEmpty(ev.Screen),
		ev.OccurredAtMs, ev.OccurredAtMs,
	); err != nil {
		return fmt.Errorf("upsert error_aggregates: %w", err)
	}

	bucket := (ev.OccurredAtMs / hourMs) * hourMs
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_counts_hourly (
			project_id, fingerprint, hour_bucket, environment, source, count
		) VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(project_id, fingerprint, hour_bucket, environment, source) DO UPDATE SET
			count = count + 1`,
		ev.ProjectID, ev.Fingerprint, bucket, ev.Environment, ev.Source,
	); err != nil {
		return fmt.Errorf("upsert event_counts_hourly: %w", err)
	}

	payload, err := json.Marshal(samplePayload{
		Release:     ev.Release,
		Environment: ev.Environment,
		Stack:       ev.Stack,
		Metadata:    ev.MetadataJSON,
	})
	if err != nil {
		return fmt.Errorf("marshal sample payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sample_occurrences (project_id, fingerprint, payload, captured_at)
		VALUES (?, ?, ?, ?)`,
		ev.ProjectID, ev.Fingerprint, string(payload), ev.OccurredAtMs,
	); err != nil {
		return fmt.Errorf("insert sample_occurrences: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sample_occurrences
		WHERE project_id = ? AND fingerprint = ?
		AND id NOT IN (
			SELECT id FROM sample_occurrences
			WHERE project_id = ? AND fingerprint = ?
			ORDER BY captured_at DESC
			LIMIT ?
		)`,
		ev.ProjectID, ev.Fingerprint,
		ev.ProjectID, ev.Fingerprint,
		w.sampleReservoir,
	); err != nil {
		return fmt.Errorf("trim sample_occurrences: %w", err)
	}

	return nil
}

// samplePayload is the JSON shape stored in sample_occurrences.payload.
type samplePayload struct {
	Release     string `json:"release"`
	Environment string `json:"environment"`
	Stack       string `json:"stack,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
