package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/eventpipeline"
	"github.com/bloopsh/bloop/store"
)

type recordingDispatcher struct {
	calls []struct {
		ruleID  string
		message string
	}
}

func (d *recordingDispatcher) Dispatch(ruleID string, channels []string, message string) {
	d.calls = append(d.calls, struct {
		ruleID  string
		message string
	}{ruleID, message})
}

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

func TestStreamingEvaluatorFiresNewIssueRule(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO alert_rules (id, project_id, rule_type, enabled, config, created_at)
		VALUES ('r1', 'proj1', 'new_issue', 1, '{}', 0)`)
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	disp := &recordingDispatcher{}
	eventCh := make(chan eventpipeline.NewFingerprintEvent, 1)
	ev := NewStreamingEvaluator(db.DB, zerolog.Nop(), disp, 3600, eventCh, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		ev.Run(runCtx)
		close(done)
	}()

	eventCh <- eventpipeline.NewFingerprintEvent{ProjectID: "proj1", Fingerprint: "fp1", ErrorType: "E", Message: "boom"}

	deadline := time.Now().Add(2 * time.Second)
	for len(disp.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if len(disp.calls) != 1 {
		t.Fatalf("expected 1 dispatch call, got %d", len(disp.calls))
	}
}

func TestStreamingEvaluatorRespectsCooldown(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO alert_rules (id, project_id, rule_type, enabled, config, created_at)
		VALUES ('r1', 'proj1', 'new_issue', 1, '{}', 0)`)
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	disp := &recordingDispatcher{}
	eventCh := make(chan eventpipeline.NewFingerprintEvent, 2)
	ev := NewStreamingEvaluator(db.DB, zerolog.Nop(), disp, 3600, eventCh, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		ev.Run(runCtx)
		close(done)
	}()

	eventCh <- eventpipeline.NewFingerprintEvent{ProjectID: "proj1", Fingerprint: "fp1", ErrorType: "E", Message: "boom"}
	eventCh <- eventpipeline.NewFingerprintEvent{ProjectID: "proj1", Fingerprint: "fp1", ErrorType: "E", Message: "boom again"}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if len(disp.calls) != 1 {
		t.Fatalf("expected cooldown to suppress the second fire, got %d calls", len(disp.calls))
	}
}

func TestPeriodicEvaluatorCostSpike(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	cfg := `{"window_secs": 3600, "threshold_dollars": 1.0}`
	if _, err := db.ExecContext(ctx, `INSERT INTO alert_rules (id, project_id, rule_type, enabled, config, created_at)
		VALUES ('r1', 'proj1', 'cost_spike', 1, ?, 0)`, cfg); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO llm_usage_hourly (project_id, hour_bucket, model, provider, span_count, cost_micros)
		VALUES ('proj1', ?, 'openai/gpt-4o', 'openai', 1, 2000000)`, now); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	disp := &recordingDispatcher{}
	pe := NewPeriodicEvaluator(db.DB, zerolog.Nop(), disp, 3600, nil)
	if err := pe.EvaluateOnce(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected cost_spike to fire, got %d calls", len(disp.calls))
	}
}

func TestPeriodicEvaluatorBudget(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	monthStart := startOfMonthMs(now)

	if _, err := db.ExecContext(ctx, `INSERT INTO alert_rules (id, project_id, rule_type, enabled, config, created_at)
		VALUES ('r1', 'proj1', 'budget', 1, '{}', 0)`); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO llm_cost_budgets (project_id, monthly_budget_micros, alert_threshold_pct, updated_at)
		VALUES ('proj1', 10000000, 50, 0)`); err != nil {
		t.Fatalf("seed budget: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO llm_usage_hourly (project_id, hour_bucket, model, provider, span_count, cost_micros)
		VALUES ('proj1', ?, 'openai/gpt-4o', 'openai', 1, 6000000)`, monthStart+1000); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	disp := &recordingDispatcher{}
	pe := NewPeriodicEvaluator(db.DB, zerolog.Nop(), disp, 3600, nil)
	if err := pe.EvaluateOnce(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected budget rule to fire at 60%% usage, got %d calls", len(disp.calls))
	}
}

func TestParsePercentileDefaultsOnMalformed(t *testing.T) {
	if got := parsePercentile("p95"); got != 95 {
		t.Fatalf("expected 95, got %v", got)
	}
	if got := parsePercentile("not-a-number"); got != 99 {
		t.Fatalf("expected default 99, got %v", got)
	}
}
