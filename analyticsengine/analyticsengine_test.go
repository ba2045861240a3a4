package analyticsengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/store"
)

// testEngine builds a row store backed by a real file (DuckDB's
// sqlite_scanner cannot attach an in-memory SQLite connection) and
// opens an analyticsengine against it.
func testEngine(t *testing.T) (*Engine, *store.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bloop.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng, err := Open(path, t.TempDir(), time.Minute, zerolog.Nop())
	if err != nil {
		t.Skipf("duckdb attach unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, db
}

func seedHourly(t *testing.T, db *store.DB, projectID, fingerprint, environment string, hourBucket, count int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO event_counts_hourly (project_id, fingerprint, hour_bucket, environment, source, count)
		VALUES (?, ?, ?, ?, 'backend', ?)`, projectID, fingerprint, hourBucket, environment, count)
	if err != nil {
		t.Fatalf("seed event_counts_hourly: %v", err)
	}
}

func TestSpikeDetectionFlagsOutlierHour(t *testing.T) {
	eng, db := testEngine(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	hour := int64(3_600_000)

	// Five quiet hours around count=2, then a spike of 50 in the
	// latest bucket.
	for i := int64(5); i >= 1; i-- {
		seedHourly(t, db, "proj1", "fpA", "prod", now-i*hour, 2)
	}
	seedHourly(t, db, "proj1", "fpA", "prod", now, 50)

	body, err := eng.SpikeDetection(ctx, "proj1", 24, 2.0)
	if err != nil {
		t.Fatalf("SpikeDetection: %v", err)
	}
	var rows []SpikeRow
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0].Fingerprint != "fpA" {
		t.Fatalf("expected fpA to be flagged as a spike, got %+v", rows)
	}
}

func TestTopMoversRanksByAbsoluteDelta(t *testing.T) {
	eng, db := testEngine(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	hour := int64(3_600_000)
	windowHours := 24
	windowMs := int64(windowHours) * hour

	// fpBig: quiet before, loud in current window -> large delta.
	seedHourly(t, db, "proj1", "fpBig", "prod", now-windowMs-hour, 1)
	seedHourly(t, db, "proj1", "fpBig", "prod", now, 40)

	// fpSmall: steady small volume both windows -> near-zero delta.
	seedHourly(t, db, "proj1", "fpSmall", "prod", now-windowMs-hour, 3)
	seedHourly(t, db, "proj1", "fpSmall", "prod", now, 4)

	body, err := eng.TopMovers(ctx, "proj1", windowHours, 10)
	if err != nil {
		t.Fatalf("TopMovers: %v", err)
	}
	var rows []MoverRow
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) == 0 || rows[0].Fingerprint != "fpBig" {
		t.Fatalf("expected fpBig ranked first, got %+v", rows)
	}
}

func TestEnvironmentBreakdownComputesShare(t *testing.T) {
	eng, db := testEngine(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	hour := int64(3_600_000)

	seedHourly(t, db, "proj1", "fpA", "prod", now, 8)
	seedHourly(t, db, "proj1", "fpA", "prod", now-hour, 2)
	seedHourly(t, db, "proj1", "fpB", "staging", now, 10)

	body, err := eng.EnvironmentBreakdown(ctx, "proj1", 24)
	if err != nil {
		t.Fatalf("EnvironmentBreakdown: %v", err)
	}
	var rows []EnvironmentRow
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 environments, got %d: %+v", len(rows), rows)
	}
	var total float64
	for _, r := range rows {
		total += r.ShareOfAll
	}
	if total < 0.99 || total > 1.01 {
		t.Fatalf("expected shares to sum to ~1.0, got %v", total)
	}
}

func TestReleaseImpactRanksByComposite(t *testing.T) {
	eng, db := testEngine(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, err := db.Exec(`INSERT INTO error_aggregates
		(project_id, fingerprint, release, environment, total_count, first_seen, last_seen, error_type, message, source, status)
		VALUES
		('proj1', 'fp1', 'v2.0.0', 'prod', 100, ?, ?, 'TypeError', 'm', 'backend', 'unresolved'),
		('proj1', 'fp2', 'v2.0.0', 'prod', 5, ?, ?, 'TypeError', 'm', 'backend', 'unresolved'),
		('proj1', 'fp3', 'v1.9.0', 'prod', 3, ?, ?, 'TypeError', 'm', 'backend', 'unresolved')`,
		now, now, now, now, now-100_000_000, now)
	if err != nil {
		t.Fatalf("seed error_aggregates: %v", err)
	}

	body, err := eng.ReleaseImpact(ctx, "proj1", 24)
	if err != nil {
		t.Fatalf("ReleaseImpact: %v", err)
	}
	var rows []ReleaseImpactRow
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) == 0 || rows[0].Release != "v2.0.0" {
		t.Fatalf("expected v2.0.0 ranked first (2 new fingerprints, 105 errors), got %+v", rows)
	}
}
