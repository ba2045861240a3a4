// Package analyticsengine is the analytical read path: an in-memory
// DuckDB instance that attaches the row-store SQLite file read-only
// and answers window/percentile/correlation queries the row store
// itself has no business computing.
//
// A single connection is guarded by a mutex (DuckDB's Go driver does
// not support concurrent statements on one connection) and every
// query runs under a fixed timeout. A failed attach at startup
// disables this whole read path; the rest of bloop stays healthy.
package analyticsengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/apierr"
)

const queryTimeout = 30 * time.Second

// Engine owns the single DuckDB connection and its result cache.
type Engine struct {
	mu     sync.Mutex
	conn   *sql.DB
	cache  *ttlCache
	logger zerolog.Logger
}

// Open starts an in-memory DuckDB database, points its extension
// directory at extensionDir (must be writable), installs and loads
// the sqlite_scanner extension, and attaches rowStorePath read-only
// under the alias "bloop". All analytical queries reference tables
// as bloop.<table>.
func Open(rowStorePath, extensionDir string, cacheTTL time.Duration, logger zerolog.Logger) (*Engine, error) {
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	setup := []string{
		fmt.Sprintf("SET extension_directory = '%s'", extensionDir),
		"INSTALL sqlite_scanner",
		"LOAD sqlite_scanner",
		fmt.Sprintf("ATTACH '%s' AS bloop (TYPE sqlite, READ_ONLY)", rowStorePath),
	}
	for _, stmt := range setup {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("duckdb setup %q: %w", stmt, err)
		}
	}

	return &Engine{
		conn:   conn,
		cache:  newTTLCache(cacheTTL),
		logger: logger.With().Str("component", "analyticsengine").Logger(),
	}, nil
}

// Close releases the DuckDB connection. Safe to call on a nil Engine.
func (e *Engine) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// run executes query under the engine's mutex and a 30 s timeout,
// handing result rows to scan. A timeout produces the exact error
// message the analytical read path contracts to return.
func (e *Engine) run(ctx context.Context, query string, args []interface{}, scan func(*sql.Rows) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := e.conn.QueryContext(qctx, query, args...)
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return apierr.Internal("DuckDB query timed out after 30s", err)
		}
		return apierr.Internal("analytical query failed", err)
	}
	defer rows.Close()

	if err := scan(rows); err != nil {
		return apierr.Internal("scan analytical result", err)
	}
	if err := rows.Err(); err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return apierr.Internal("DuckDB query timed out after 30s", err)
		}
		return apierr.Internal("iterate analytical result", err)
	}
	return nil
}

// cachedJSON serves a previously-computed body for key if it hasn't
// expired, else calls compute, marshals the result, and caches it.
func (e *Engine) cachedJSON(key string, compute func() (interface{}, error)) (json.RawMessage, error) {
	now := time.Now()
	if body, ok := e.cache.get(key, now); ok {
		return body, nil
	}
	v, err := compute()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, apierr.Internal("marshal analytical result", err)
	}
	e.cache.set(key, body, now)
	return body, nil
}

// SpikeRow is one fingerprint whose most recent hourly count deviates
// from its windowed mean by at least the requested z-score.
type SpikeRow struct {
	Fingerprint string  `json:"fingerprint"`
	LatestCount float64 `json:"latest_count"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stddev"`
	Z           float64 `json:"z_score"`
}

// SpikeDetection computes the z-score of each fingerprint's most
// recent hourly count against the mean/stddev of its window, and
// returns rows at or above zThreshold.
func (e *Engine) SpikeDetection(ctx context.Context, projectID string, windowHours int, zThreshold float64) (json.RawMessage, error) {
	key := fmt.Sprintf("spikes:%s:%d:%g", projectID, windowHours, zThreshold)
	return e.cachedJSON(key, func() (interface{}, error) {
		since := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
		const q = `
WITH windowed AS (
  SELECT fingerprint, hour_bucket, SUM(count) AS count
  FROM bloop.event_counts_hourly
  WHERE project_id = ? AND hour_bucket >= ?
  GROUP BY fingerprint, hour_bucket
),
stats AS (
  SELECT fingerprint,
         AVG(count) AS mean,
         STDDEV_POP(count) AS stddev,
         MAX(hour_bucket) AS latest_bucket,
         COUNT(*) AS n
  FROM windowed
  GROUP BY fingerprint
  HAVING COUNT(*) >= 3
),
latest AS (
  SELECT w.fingerprint, w.count AS latest_count
  FROM windowed w
  JOIN stats s ON s.fingerprint = w.fingerprint AND w.hour_bucket = s.latest_bucket
)
SELECT s.fingerprint, l.latest_count, s.mean, s.stddev,
       (l.latest_count - s.mean) / s.stddev AS z
FROM stats s
JOIN latest l ON l.fingerprint = s.fingerprint
WHERE s.stddev > 0 AND (l.latest_count - s.mean) / s.stddev >= ?
ORDER BY z DESC`

		var out []SpikeRow
		err := e.run(ctx, q, []interface{}{projectID, since, zThreshold}, func(rows *sql.Rows) error {
			for rows.Next() {
				var r SpikeRow
				if err := rows.Scan(&r.Fingerprint, &r.LatestCount, &r.Mean, &r.StdDev, &r.Z); err != nil {
					return err
				}
				out = append(out, r)
			}
			return nil
		})
		return out, err
	})
}

// MoverRow is one fingerprint's current-window sum compared to its
// prior window.
type MoverRow struct {
	Fingerprint string `json:"fingerprint"`
	CurrentSum  int64  `json:"current_sum"`
	PriorSum    int64  `json:"prior_sum"`
	Delta       int64  `json:"delta"`
}

// TopMovers ranks fingerprints by |current-window sum - prior-window
// sum|, largest first, limited to limit rows.
func (e *Engine) TopMovers(ctx context.Context, projectID string, windowHours, limit int) (json.RawMessage, error) {
	key := fmt.Sprintf("movers:%s:%d:%d", projectID, windowHours, limit)
	return e.cachedJSON(key, func() (interface{}, error) {
		now := time.Now()
		windowDur := time.Duration(windowHours) * time.Hour
		curStart := now.Add(-windowDur).UnixMilli()
		priorStart := now.Add(-2 * windowDur).UnixMilli()

		const q = `
WITH current_w AS (
  SELECT fingerprint, SUM(count) AS cur_sum
  FROM bloop.event_counts_hourly
  WHERE project_id = ? AND hour_bucket >= ?
  GROUP BY fingerprint
),
prior_w AS (
  SELECT fingerprint, SUM(count) AS prior_sum
  FROM bloop.event_counts_hourly
  WHERE project_id = ? AND hour_bucket >= ? AND hour_bucket < ?
  GROUP BY fingerprint
)
SELECT COALESCE(c.fingerprint, p.fingerprint) AS fingerprint,
       COALESCE(c.cur_sum, 0) AS cur_sum,
       COALESCE(p.prior_sum, 0) AS prior_sum,
       COALESCE(c.cur_sum, 0) - COALESCE(p.prior_sum, 0) AS delta
FROM current_w c
FULL OUTER JOIN prior_w p ON c.fingerprint = p.fingerprint
ORDER BY ABS(COALESCE(c.cur_sum, 0) - COALESCE(p.prior_sum, 0)) DESC
LIMIT ?`

		var out []MoverRow
		err := e.run(ctx, q, []interface{}{projectID, curStart, projectID, priorStart, curStart, limit}, func(rows *sql.Rows) error {
			for rows.Next() {
				var r MoverRow
				if err := rows.Scan(&r.Fingerprint, &r.CurrentSum, &r.PriorSum, &r.Delta); err != nil {
					return err
				}
				out = append(out, r)
			}
			return nil
		})
		return out, err
	})
}

// CorrelationRow is one pair of fingerprints whose hourly counts
// correlate at or above the requested threshold.
type CorrelationRow struct {
	FingerprintA string  `json:"fingerprint_a"`
	FingerprintB string  `json:"fingerprint_b"`
	R            float64 `json:"r"`
	OverlapHours int64   `json:"overlap_hours"`
}

// Correlations computes Pearson correlation of hourly counts between
// every fingerprint pair with at least 6 overlapping hours, and
// returns pairs with |r| >= minAbsR.
func (e *Engine) Correlations(ctx context.Context, projectID string, windowHours int, minAbsR float64) (json.RawMessage, error) {
	key := fmt.Sprintf("correlations:%s:%d:%g", projectID, windowHours, minAbsR)
	return e.cachedJSON(key, func() (interface{}, error) {
		since := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
		const q = `
WITH windowed AS (
  SELECT fingerprint, hour_bucket, SUM(count) AS count
  FROM bloop.event_counts_hourly
  WHERE project_id = ? AND hour_bucket >= ?
  GROUP BY fingerprint, hour_bucket
)
SELECT a.fingerprint AS fingerprint_a, b.fingerprint AS fingerprint_b,
       CORR(a.count, b.count) AS r, COUNT(*) AS overlap_hours
FROM windowed a
JOIN windowed b ON a.hour_bucket = b.hour_bucket AND a.fingerprint < b.fingerprint
GROUP BY a.fingerprint, b.fingerprint
HAVING COUNT(*) >= 6 AND ABS(CORR(a.count, b.count)) >= ?
ORDER BY ABS(r) DESC`

		var out []CorrelationRow
		err := e.run(ctx, q, []interface{}{projectID, since, minAbsR}, func(rows *sql.Rows) error {
			for rows.Next() {
				var r CorrelationRow
				if err := rows.Scan(&r.FingerprintA, &r.FingerprintB, &r.R, &r.OverlapHours); err != nil {
					return err
				}
				out = append(out, r)
			}
			return nil
		})
		return out, err
	})
}

// ReleaseImpactRow summarizes one release's contribution to new
// issues and error volume.
type ReleaseImpactRow struct {
	Release          string  `json:"release"`
	NewFingerprints  int64   `json:"new_fingerprints"`
	CumulativeErrors int64   `json:"cumulative_errors"`
	CompositeScore   float64 `json:"composite_score"`
}

// ReleaseImpact ranks releases by a composite of how many previously
// unseen fingerprints they introduced and how many total errors those
// fingerprints have accumulated since.
func (e *Engine) ReleaseImpact(ctx context.Context, projectID string, windowHours int) (json.RawMessage, error) {
	key := fmt.Sprintf("release_impact:%s:%d", projectID, windowHours)
	return e.cachedJSON(key, func() (interface{}, error) {
		since := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
		const q = `
SELECT release, COUNT(*) AS new_fingerprints, SUM(total_count) AS cumulative_errors
FROM bloop.error_aggregates
WHERE project_id = ? AND first_seen >= ?
GROUP BY release
ORDER BY new_fingerprints DESC`

		var out []ReleaseImpactRow
		err := e.run(ctx, q, []interface{}{projectID, since}, func(rows *sql.Rows) error {
			for rows.Next() {
				var r ReleaseImpactRow
				if err := rows.Scan(&r.Release, &r.NewFingerprints, &r.CumulativeErrors); err != nil {
					return err
				}
				// Weighted so a release that introduces a handful of
				// very noisy fingerprints still outranks one that
				// introduces many quiet ones.
				r.CompositeScore = float64(r.NewFingerprints) + float64(r.CumulativeErrors)*0.1
				out = append(out, r)
			}
			return nil
		})
		if err == nil {
			sort.Slice(out, func(i, j int) bool { return out[i].CompositeScore > out[j].CompositeScore })
		}
		return out, err
	})
}

// EnvironmentRow summarizes the distribution of hourly counts within
// one environment.
type EnvironmentRow struct {
	Environment string  `json:"environment"`
	P50         float64 `json:"p50"`
	P90         float64 `json:"p90"`
	P99         float64 `json:"p99"`
	Total       int64   `json:"total"`
	ShareOfAll  float64 `json:"share_of_all"`
}

// EnvironmentBreakdown computes p50/p90/p99 of hourly counts and the
// share of grand total volume for each environment.
func (e *Engine) EnvironmentBreakdown(ctx context.Context, projectID string, windowHours int) (json.RawMessage, error) {
	key := fmt.Sprintf("environment_breakdown:%s:%d", projectID, windowHours)
	return e.cachedJSON(key, func() (interface{}, error) {
		since := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
		const q = `
WITH windowed AS (
  SELECT environment, hour_bucket, SUM(count) AS count
  FROM bloop.event_counts_hourly
  WHERE project_id = ? AND hour_bucket >= ?
  GROUP BY environment, hour_bucket
),
totals AS (
  SELECT SUM(count) AS grand_total FROM windowed
)
SELECT w.environment,
       QUANTILE_CONT(w.count, 0.5) AS p50,
       QUANTILE_CONT(w.count, 0.9) AS p90,
       QUANTILE_CONT(w.count, 0.99) AS p99,
       SUM(w.count) AS env_total,
       SUM(w.count) * 1.0 / NULLIF((SELECT grand_total FROM totals), 0) AS share
FROM windowed w
GROUP BY w.environment
ORDER BY env_total DESC`

		var out []EnvironmentRow
		err := e.run(ctx, q, []interface{}{projectID, since}, func(rows *sql.Rows) error {
			for rows.Next() {
				var r EnvironmentRow
				if err := rows.Scan(&r.Environment, &r.P50, &r.P90, &r.P99, &r.Total, &r.ShareOfAll); err != nil {
					return err
				}
				out = append(out, r)
			}
			return nil
		})
		return out, err
	})
}
