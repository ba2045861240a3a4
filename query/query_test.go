package query

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/store"
)

func testStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db.DB), db
}

func seedAggregate(t *testing.T, db *store.DB, projectID, fp, release, env, status string, total, firstSeen, lastSeen int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO error_aggregates
		(project_id, fingerprint, release, environment, total_count, first_seen, last_seen, error_type, message, source, route, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'TypeError', 'boom', 'backend', '/checkout', ?)`,
		projectID, fp, release, env, total, firstSeen, lastSeen, status)
	if err != nil {
		t.Fatalf("seed error_aggregates: %v", err)
	}
}

func TestListErrorsRejectsUnknownSortField(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.ListErrors(context.Background(), ErrorFilter{ProjectID: "p1", Sort: "message"})
	if err == nil {
		t.Fatalf("expected a validation error for unknown sort field")
	}
}

func TestListErrorsFiltersByProjectAndStatus(t *testing.T) {
	s, db := testStore(t)
	now := time.Now().UnixMilli()
	seedAggregate(t, db, "p1", "fpA", "v1", "prod", "unresolved", 10, now, now)
	seedAggregate(t, db, "p1", "fpB", "v1", "prod", "resolved", 3, now, now)
	seedAggregate(t, db, "p2", "fpC", "v1", "prod", "unresolved", 99, now, now)

	rows, err := s.ListErrors(context.Background(), ErrorFilter{ProjectID: "p1", Status: "unresolved", Sort: "total_count"})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(rows) != 1 || rows[0].Fingerprint != "fpA" {
		t.Fatalf("expected only fpA, got %+v", rows)
	}
}

func TestChangeStatusRecordsAuditRow(t *testing.T) {
	s, db := testStore(t)
	now := time.Now().UnixMilli()
	seedAggregate(t, db, "p1", "fpA", "v1", "prod", "unresolved", 10, now, now)

	res, err := s.ChangeStatus(context.Background(), "p1", "fpA", "resolve", now)
	if err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if res.Status != "resolved" || res.Updated != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	history, err := s.GetHistory(context.Background(), "p1", "fpA")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 || history[0].OldStatus != "unresolved" || history[0].NewStatus != "resolved" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestChangeStatusUnknownFingerprintIsNotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.ChangeStatus(context.Background(), "p1", "missing", "resolve", time.Now().UnixMilli())
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestChangeStatusRejectsUnknownAction(t *testing.T) {
	s, db := testStore(t)
	now := time.Now().UnixMilli()
	seedAggregate(t, db, "p1", "fpA", "v1", "prod", "unresolved", 10, now, now)

	_, err := s.ChangeStatus(context.Background(), "p1", "fpA", "delete", now)
	if err == nil {
		t.Fatalf("expected validation error for unknown action")
	}
}

func TestSearchTracesEmptyQueryFallsThroughToList(t *testing.T) {
	s, db := testStore(t)
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`INSERT INTO llm_traces (id, project_id, name, status, started_at, created_at)
		VALUES ('t1', 'p1', 'chat', 'ok', ?, ?)`, now, now); err != nil {
		t.Fatalf("seed llm_traces: %v", err)
	}

	out, err := s.SearchTraces(context.Background(), "p1", "", 10)
	if err != nil {
		t.Fatalf("SearchTraces: %v", err)
	}
	if len(out) != 1 || out[0].ID != "t1" {
		t.Fatalf("expected fallthrough to list, got %+v", out)
	}
}

func TestSearchTracesMalformedQueryIsValidationNotInternal(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.SearchTraces(context.Background(), "p1", `"unterminated`, 10)
	if err == nil {
		t.Fatalf("expected an error for malformed FTS5 syntax")
	}
}

func TestGetBudgetComputesUsedPct(t *testing.T) {
	s, db := testStore(t)
	now := time.Now().UnixMilli()
	if err := s.SetBudget(context.Background(), "p1", 10_000_000, 90, now); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO llm_usage_hourly (project_id, hour_bucket, model, provider, span_count, cost_micros)
		VALUES ('p1', ?, 'openai/gpt-4o', 'openai', 1, 5_000_000)`, now); err != nil {
		t.Fatalf("seed llm_usage_hourly: %v", err)
	}

	b, err := s.GetBudget(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if b.UsedPct != 50 {
		t.Fatalf("expected 50%% used, got %v", b.UsedPct)
	}
}
