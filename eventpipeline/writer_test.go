package eventpipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEvent(fp string, occurredAt int64) ingest.ProcessedEvent {
	return ingest.ProcessedEvent{
		ProjectID:    "proj1",
		Fingerprint:  fp,
		Source:       "backend",
		Environment:  "production",
		Release:      "1.0.0",
		ErrorType:    "NetworkError",
		Message:      "timeout",
		OccurredAtMs: occurredAt,
		ReceivedAtMs: occurredAt,
	}
}

// TestWriteBatchAggregateMonotonic: total_count only increases.
func TestWriteBatchAggregateMonotonic(t *testing.T) {
	db := testDB(t)
	w := NewStoreWriter(db, 5)
	ctx := context.Background()

	if err := w.WriteBatch(ctx, []ingest.ProcessedEvent{sampleEvent("fp1", 1000)}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := w.WriteBatch(ctx, []ingest.ProcessedEvent{sampleEvent("fp1", 2000)}); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	var total int64
	var status string
	err := db.QueryRowContext(ctx, `SELECT total_count, status FROM error_aggregates WHERE fingerprint = ?`, "fp1").Scan(&total, &status)
	if err != nil {
		t.Fatalf("query aggregate: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected total_count 2, got %d", total)
	}
	if status != "unresolved" {
		t.Fatalf("expected status unresolved, got %s", status)
	}
}

// TestWriteBatchResolvedReopensToUnresolved covers the status CASE:
// a resolved aggregate flips back to unresolved on a new occurrence.
func TestWriteBatchResolvedReopensToUnresolved(t *testing.T) {
	db := testDB(t)
	w := NewStoreWriter(db, 5)
	ctx := context.Background()

	if err := w.WriteBatch(ctx, []ingest.ProcessedEvent{sampleEvent("fp1", 1000)}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE error_aggregates SET status = 'resolved' WHERE fingerprint = ?`, "fp1"); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE error_aggregates SET status = 'muted' WHERE fingerprint = ?`, "fp1"); err != nil {
		t.Fatalf("mark muted: %v", err)
	}

	// Re-resolve then re-occur: resolved -> unresolved.
	if _, err := db.ExecContext(ctx, `UPDATE error_aggregates SET status = 'resolved' WHERE fingerprint = ?`, "fp1"); err != nil {
		t.Fatalf("mark resolved again: %v", err)
	}
	if err := w.WriteBatch(ctx, []ingest.ProcessedEvent{sampleEvent("fp1", 2000)}); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM error_aggregates WHERE fingerprint = ?`, "fp1").Scan(&status); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "unresolved" {
		t.Fatalf("expected resolved to flip to unresolved, got %s", status)
	}
}

// TestWriteBatchHourlySummation: hourly buckets sum to the same total
// as the aggregate's total_count within that hour.
func TestWriteBatchHourlySummation(t *testing.T) {
	db := testDB(t)
	w := NewStoreWriter(db, 5)
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	events := []ingest.ProcessedEvent{
		sampleEvent("fp1", base),
		sampleEvent("fp1", base+1000),
		sampleEvent("fp1", base+2000),
	}
	if err := w.WriteBatch(ctx, events); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	var count int64
	err := db.QueryRowContext(ctx, `SELECT count FROM event_counts_hourly WHERE fingerprint = ?`, "fp1").Scan(&count)
	if err != nil {
		t.Fatalf("query hourly: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected hourly count 3, got %d", count)
	}
}

// TestWriteBatchSampleReservoirTrim: sample_occurrences never exceeds
// the configured reservoir size per fingerprint.
func TestWriteBatchSampleReservoirTrim(t *testing.T) {
	db := testDB(t)
	w := NewStoreWriter(db, 2)
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	for i := int64(0); i < 5; i++ {
		if err := w.WriteBatch(ctx, []ingest.ProcessedEvent{sampleEvent("fp1", base+i*1000)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sample_occurrences WHERE fingerprint = ?`, "fp1").Scan(&count); err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected reservoir trimmed to 2, got %d", count)
	}

	var maxCaptured int64
	if err := db.QueryRowContext(ctx, `SELECT MAX(captured_at) FROM sample_occurrences WHERE fingerprint = ?`, "fp1").Scan(&maxCaptured); err != nil {
		t.Fatalf("query max: %v", err)
	}
	if maxCaptured != base+4000 {
		t.Fatalf("expected most recent sample retained, got captured_at=%d", maxCaptured)
	}
}
