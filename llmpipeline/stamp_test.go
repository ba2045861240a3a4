package llmpipeline

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/contentpolicy"
	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/pricing"
	"github.com/bloopsh/bloop/store"
)

// seedPolicy writes a project's content policy row straight into the
// row store, for stamp tests that don't go through Redis.
func seedPolicy(t *testing.T, db *sql.DB, projectID string, policy contentpolicy.Storage) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO llm_project_settings (project_id, content_storage, updated_at) VALUES (?, ?, ?)`,
		projectID, string(policy), time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
}

func testStoreDB(t *testing.T) *store.DB {
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

func TestStampComputesCostWhenSubmittedZero(t *testing.T) {
	db := testStoreDB(t)
	seedPolicy(t, db.DB, "proj1", contentpolicy.StorageFull)

	pt := pricing.New(zerolog.Nop(), "")
	// contentpolicy.Cache requires a redis client, so this test does not
	// call Stamp; it calls pricing.Table.CostMicros, the per-span cost
	// attribution Stamp applies, directly.
	_ = pt

	trace := ingest.RawTrace{
		ID:   "t1",
		Name: "generate",
		Spans: []ingest.RawSpan{
			{ID: "s1", Model: "openai/gpt-4o-mini", InputTokens: 1000, OutputTokens: 500, Cost: 0, StartedAt: 1000},
		},
	}
	// Cost attribution alone (the part of Stamp under test here):
	got := pt.CostMicros(trace.Spans[0].Model, "proj1", trace.Spans[0].InputTokens, trace.Spans[0].OutputTokens, trace.Spans[0].Cost)
	// 1000 tokens * 0.15/1e6 + 500 * 0.60/1e6 dollars -> micros
	want := int64(150 + 300)
	if got != want {
		t.Fatalf("expected cost micros %d, got %d", want, got)
	}
}

func TestStampRespectsSubmittedCost(t *testing.T) {
	pt := pricing.New(zerolog.Nop(), "")
	got := pt.CostMicros("openai/gpt-4o", "proj1", 10, 10, 0.001)
	if got != 1000 {
		t.Fatalf("expected submitted cost to convert to 1000 micros, got %d", got)
	}
}

func TestApplyUpdateNoFieldsIsNoop(t *testing.T) {
	db := testStoreDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO llm_traces (id, project_id, name, status, started_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"t1", "proj1", "generate", "running", 1000, 1000)
	if err != nil {
		t.Fatalf("seed trace: %v", err)
	}

	changed, err := ApplyUpdate(ctx, db.DB, "proj1", "t1", ingest.TraceUpdate{})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if changed {
		t.Fatal("expected no-op update to report no change")
	}
}

func TestApplyUpdateSetsStatusAndCost(t *testing.T) {
	db := testStoreDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO llm_traces (id, project_id, name, status, started_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"t1", "proj1", "generate", "running", 1000, 1000)
	if err != nil {
		t.Fatalf("seed trace: %v", err)
	}

	status := "completed"
	cost := 0.0025
	changed, err := ApplyUpdate(ctx, db.DB, "proj1", "t1", ingest.TraceUpdate{Status: &status, Cost: &cost})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if !changed {
		t.Fatal("expected update to report a change")
	}

	var gotStatus string
	var gotCost int64
	if err := db.QueryRowContext(ctx, `SELECT status, cost_micros FROM llm_traces WHERE id = ?`, "t1").Scan(&gotStatus, &gotCost); err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotStatus != "completed" {
		t.Fatalf("expected status completed, got %s", gotStatus)
	}
	if gotCost != 2500 {
		t.Fatalf("expected cost_micros 2500, got %d", gotCost)
	}
}
