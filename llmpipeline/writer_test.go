package llmpipeline

import (
	"context"
	"testing"

	"github.com/bloopsh/bloop/ingest"
)

func sampleTrace(id string, startedAt int64) ingest.ProcessedTrace {
	return ingest.ProcessedTrace{
		ProjectID:   "proj1",
		ID:          id,
		Name:        "generate",
		Status:      "completed",
		StartedAtMs: startedAt,
		CreatedAtMs: startedAt,
		Spans: []ingest.ProcessedSpan{
			{
				ID:           id + "-s1",
				SpanType:     "llm_call",
				Name:         "chat",
				Model:        "openai/gpt-4o-mini",
				Provider:     "openai",
				InputTokens:  100,
				OutputTokens: 50,
				CostMicros:   1234,
				LatencyMs:    250,
				Status:       "ok",
				StartedAtMs:  startedAt,
			},
		},
	}
}

func TestWriteBatchInsertsTraceAndSpan(t *testing.T) {
	db := testStoreDB(t)
	w := NewStoreWriter(db)
	ctx := context.Background()

	if err := w.WriteBatch(ctx, []ingest.ProcessedTrace{sampleTrace("t1", 1000)}); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	var name string
	if err := db.QueryRowContext(ctx, `SELECT name FROM llm_traces WHERE project_id = ? AND id = ?`, "proj1", "t1").Scan(&name); err != nil {
		t.Fatalf("query trace: %v", err)
	}
	if name != "generate" {
		t.Fatalf("expected name generate, got %s", name)
	}

	var spanCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_spans WHERE project_id = ? AND trace_id = ?`, "proj1", "t1").Scan(&spanCount); err != nil {
		t.Fatalf("query spans: %v", err)
	}
	if spanCount != 1 {
		t.Fatalf("expected 1 span, got %d", spanCount)
	}
}

func TestWriteBatchUpsertsHourlyUsage(t *testing.T) {
	db := testStoreDB(t)
	w := NewStoreWriter(db)
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	if err := w.WriteBatch(ctx, []ingest.ProcessedTrace{sampleTrace("t1", base)}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := w.WriteBatch(ctx, []ingest.ProcessedTrace{sampleTrace("t2", base+1000)}); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	var spanCount, inputTokens int64
	err := db.QueryRowContext(ctx, `SELECT span_count, input_tokens FROM llm_usage_hourly WHERE project_id = ? AND model = ?`, "proj1", "openai/gpt-4o-mini").
		Scan(&spanCount, &inputTokens)
	if err != nil {
		t.Fatalf("query hourly usage: %v", err)
	}
	if spanCount != 2 {
		t.Fatalf("expected span_count 2, got %d", spanCount)
	}
	if inputTokens != 200 {
		t.Fatalf("expected input_tokens 200, got %d", inputTokens)
	}
}

func TestWriteBatchInsertsFTSRowAndSwallowsDuplicate(t *testing.T) {
	db := testStoreDB(t)
	w := NewStoreWriter(db)
	ctx := context.Background()

	tr := sampleTrace("t1", 1000)
	if err := w.WriteBatch(ctx, []ingest.ProcessedTrace{tr}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	// Re-ingesting the same trace id must not surface an FTS duplicate
	// error to the caller.
	if err := w.WriteBatch(ctx, []ingest.ProcessedTrace{tr}); err != nil {
		t.Fatalf("write 2 (duplicate fts insert should be swallowed): %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_traces_fts WHERE llm_traces_fts MATCH ?`, "generate").Scan(&count); err != nil {
		t.Fatalf("query fts: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one fts row for the trace")
	}
}
