package retention

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

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

func TestSweepOnceDeletesPastGlobalTTL(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := int64(1_700_000_000_000)

	old := now - 40*dayMs
	recent := now - 1*dayMs

	for _, ts := range []int64{old, recent} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO raw_events (project_id, fingerprint, source, environment, release, error_type, message, occurred_at, received_at)
			VALUES ('proj1', 'fp1', 'backend', 'prod', '1.0', 'E', 'm', ?, ?)`, ts, ts)
		if err != nil {
			t.Fatalf("seed raw_events: %v", err)
		}
	}

	s := New(db.DB, zerolog.Nop(), time.Hour, 30, 90)
	rawDeleted, _, err := s.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rawDeleted != 1 {
		t.Fatalf("expected 1 row deleted, got %d", rawDeleted)
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_events`).Scan(&remaining); err != nil {
		t.Fatalf("query remaining: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 row remaining, got %d", remaining)
	}
}

func TestSweepOnceHonorsProjectOverride(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := int64(1_700_000_000_000)

	// proj1 has a short 1-day override; proj2 uses the 30-day global default.
	if _, err := db.ExecContext(ctx, `INSERT INTO project_retention (project_id, raw_events_days, hourly_days) VALUES ('proj1', 1, 7)`); err != nil {
		t.Fatalf("seed override: %v", err)
	}

	tenDaysAgo := now - 10*dayMs
	for _, proj := range []string{"proj1", "proj2"} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO raw_events (project_id, fingerprint, source, environment, release, error_type, message, occurred_at, received_at)
			VALUES (?, 'fp1', 'backend', 'prod', '1.0', 'E', 'm', ?, ?)`, proj, tenDaysAgo, tenDaysAgo)
		if err != nil {
			t.Fatalf("seed raw_events: %v", err)
		}
	}

	s := New(db.DB, zerolog.Nop(), time.Hour, 30, 90)
	rawDeleted, _, err := s.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rawDeleted != 1 {
		t.Fatalf("expected 1 row deleted (proj1 only), got %d", rawDeleted)
	}

	var remainingProject string
	if err := db.QueryRowContext(ctx, `SELECT project_id FROM raw_events`).Scan(&remainingProject); err != nil {
		t.Fatalf("query remaining: %v", err)
	}
	if remainingProject != "proj2" {
		t.Fatalf("expected proj2's row to survive, got %s", remainingProject)
	}
}

func TestSweepOnceDeletesHourlyPastSeparateTTL(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := int64(1_700_000_000_000)

	oldBucket := now - 100*dayMs
	recentBucket := now - 1*dayMs

	for _, bucket := range []int64{oldBucket, recentBucket} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO event_counts_hourly (project_id, fingerprint, hour_bucket, environment, source, count)
			VALUES ('proj1', 'fp1', ?, 'prod', 'backend', 1)`, bucket)
		if err != nil {
			t.Fatalf("seed hourly: %v", err)
		}
	}

	s := New(db.DB, zerolog.Nop(), time.Hour, 30, 90)
	_, hourlyDeleted, err := s.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if hourlyDeleted != 1 {
		t.Fatalf("expected 1 hourly row deleted, got %d", hourlyDeleted)
	}
}
