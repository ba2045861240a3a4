// Package query is the non-analytical read path: dynamic filter SQL
// over the row store for the /v1/errors and /v1/llm/* endpoints.
// Every filter is bound with a "?" placeholder — user input is
// never interpolated into a query string.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bloopsh/bloop/apierr"
)

// Store is the query-layer gateway over the row-store pool.
type Store struct {
	db *sql.DB
}

// NewStore builds a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// sortAllowList is the fixed set of columns /v1/errors may sort by;
// anything else is a Validation error.
var sortAllowList = map[string]string{
	"last_seen":   "last_seen",
	"first_seen":  "first_seen",
	"total_count": "total_count",
}

// Aggregate is one row of error_aggregates.
type Aggregate struct {
	ProjectID   string `json:"project_id"`
	Fingerprint string `json:"fingerprint"`
	Release     string `json:"release"`
	Environment string `json:"environment"`
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	Route       string `json:"route,omitempty"`
	Screen      string `json:"screen,omitempty"`
	Status      string `json:"status"`
	TotalCount  int64  `json:"total_count"`
	FirstSeen   int64  `json:"first_seen"`
	LastSeen    int64  `json:"last_seen"`
}

// ErrorFilter is the decoded /v1/errors query string.
type ErrorFilter struct {
	ProjectID   string
	Release     string
	Environment string
	Source      string
	Route       string
	Status      string
	Since       *int64
	Until       *int64
	Sort        string
	Limit       int
	Offset      int
}

// ListErrors composes the filter SQL for /v1/errors. Sort is checked
// against sortAllowList before being spliced into the ORDER BY clause
// (it can't be bound as a parameter); every other filter value is a
// bound argument.
func (s *Store) ListErrors(ctx context.Context, f ErrorFilter) ([]Aggregate, error) {
	sortCol := "last_seen"
	if f.Sort != "" {
		col, ok := sortAllowList[f.Sort]
		if !ok {
			return nil, apierr.Validation("unknown sort field %q", f.Sort)
		}
		sortCol = col
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var b strings.Builder
	b.WriteString(`SELECT project_id, fingerprint, release, environment, error_type, message, source,
		COALESCE(route, ''), COALESCE(screen, ''), status, total_count, first_seen, last_seen
		FROM error_aggregates WHERE project_id = ?`)
	args := []interface{}{f.ProjectID}

	addEq := func(col, val string) {
		if val == "" {
			return
		}
		b.WriteString(fmt.Sprintf(" AND %s = ?", col))
		args = append(args, val)
	}
	addEq("release", f.Release)
	addEq("environment", f.Environment)
	addEq("source", f.Source)
	addEq("route", f.Route)
	addEq("status", f.Status)

	if f.Since != nil {
		b.WriteString(" AND last_seen >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		b.WriteString(" AND last_seen <= ?")
		args = append(args, *f.Until)
	}

	b.WriteString(fmt.Sprintf(" ORDER BY %s DESC LIMIT ? OFFSET ?", sortCol))
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, apierr.Internal("query error_aggregates", err)
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.ProjectID, &a.Fingerprint, &a.Release, &a.Environment, &a.ErrorType,
			&a.Message, &a.Source, &a.Route, &a.Screen, &a.Status, &a.TotalCount, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, apierr.Internal("scan error_aggregates", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate error_aggregates", err)
	}
	return out, nil
}

// Sample is one row of sample_occurrences.
type Sample struct {
	ID         int64  `json:"id"`
	Payload    string `json:"payload"`
	CapturedAt int64  `json:"captured_at"`
}

// ErrorDetail is the /v1/errors/{fp} response: every release/environment
// aggregate sharing the fingerprint, plus its sample reservoir.
type ErrorDetail struct {
	Aggregates []Aggregate `json:"aggregates"`
	Samples    []Sample    `json:"samples"`
}

// GetErrorDetail returns every aggregate row for fingerprint fp in
// projectID plus its captured sample payloads.
func (s *Store) GetErrorDetail(ctx context.Context, projectID, fp string) (*ErrorDetail, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, fingerprint, release, environment, error_type, message, source,
		COALESCE(route, ''), COALESCE(screen, ''), status, total_count, first_seen, last_seen
		FROM error_aggregates WHERE project_id = ? AND fingerprint = ? ORDER BY last_seen DESC`, projectID, fp)
	if err != nil {
		return nil, apierr.Internal("query error_aggregates", err)
	}
	var aggregates []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.ProjectID, &a.Fingerprint, &a.Release, &a.Environment, &a.ErrorType,
			&a.Message, &a.Source, &a.Route, &a.Screen, &a.Status, &a.TotalCount, &a.FirstSeen, &a.LastSeen); err != nil {
			rows.Close()
			return nil, apierr.Internal("scan error_aggregates", err)
		}
		aggregates = append(aggregates, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate error_aggregates", err)
	}
	if len(aggregates) == 0 {
		return nil, apierr.NotFound("unknown fingerprint %q", fp)
	}

	sampleRows, err := s.db.QueryContext(ctx, `SELECT id, payload, captured_at FROM sample_occurrences
		WHERE project_id = ? AND fingerprint = ? ORDER BY captured_at DESC`, projectID, fp)
	if err != nil {
		return nil, apierr.Internal("query sample_occurrences", err)
	}
	defer sampleRows.Close()
	var samples []Sample
	for sampleRows.Next() {
		var sm Sample
		if err := sampleRows.Scan(&sm.ID, &sm.Payload, &sm.CapturedAt); err != nil {
			return nil, apierr.Internal("scan sample_occurrences", err)
		}
		samples = append(samples, sm)
	}
	if err := sampleRows.Err(); err != nil {
		return nil, apierr.Internal("iterate sample_occurrences", err)
	}

	return &ErrorDetail{Aggregates: aggregates, Samples: samples}, nil
}

// RawEventRow is one row of raw_events.
type RawEventRow struct {
	ID          int64  `json:"id"`
	Environment string `json:"environment"`
	Release     string `json:"release"`
	Message     string `json:"message"`
	Route       string `json:"route,omitempty"`
	OccurredAt  int64  `json:"occurred_at"`
	ReceivedAt  int64  `json:"received_at"`
}

// GetOccurrences pages through the raw event rows backing fp.
func (s *Store) GetOccurrences(ctx context.Context, projectID, fp string, limit, offset int) ([]RawEventRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, environment, release, message, COALESCE(route, ''), occurred_at, received_at
		FROM raw_events WHERE project_id = ? AND fingerprint = ? ORDER BY occurred_at DESC LIMIT ? OFFSET ?`,
		projectID, fp, limit, offset)
	if err != nil {
		return nil, apierr.Internal("query raw_events", err)
	}
	defer rows.Close()
	var out []RawEventRow
	for rows.Next() {
		var r RawEventRow
		if err := rows.Scan(&r.ID, &r.Environment, &r.Release, &r.Message, &r.Route, &r.OccurredAt, &r.ReceivedAt); err != nil {
			return nil, apierr.Internal("scan raw_events", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate raw_events", err)
	}
	return out, nil
}

var validStatusTransitions = map[string]bool{
	"resolve":   true,
	"ignore":    true,
	"mute":      true,
	"unresolve": true,
}

func targetStatus(action string) string {
	switch action {
	case "resolve":
		return "resolved"
	case "ignore":
		return "ignored"
	case "mute":
		return "muted"
	case "unresolve":
		return "unresolved"
	}
	return ""
}

// StatusChangeResult is the body of the resolve/ignore/mute/unresolve
// endpoints.
type StatusChangeResult struct {
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	Updated     int64  `json:"updated"`
}

// ChangeStatus applies action (one of resolve/ignore/mute/unresolve) to
// every aggregate row for fp in projectID and records an audit row per
// changed release/environment, all inside one transaction.
func (s *Store) ChangeStatus(ctx context.Context, projectID, fp, action string, nowMs int64) (*StatusChangeResult, error) {
	if !validStatusTransitions[action] {
		return nil, apierr.Validation("unknown status action %q", action)
	}
	newStatus := targetStatus(action)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Internal("begin status change tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT release, environment, status FROM error_aggregates
		WHERE project_id = ? AND fingerprint = ?`, projectID, fp)
	if err != nil {
		return nil, apierr.Internal("query error_aggregates for status change", err)
	}
	type current struct{ release, environment, status string }
	var rowsToChange []current
	for rows.Next() {
		var c current
		if err := rows.Scan(&c.release, &c.environment, &c.status); err != nil {
			rows.Close()
			return nil, apierr.Internal("scan error_aggregates for status change", err)
		}
		rowsToChange = append(rowsToChange, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate error_aggregates for status change", err)
	}
	if len(rowsToChange) == 0 {
		return nil, apierr.NotFound("unknown fingerprint %q", fp)
	}

	var updated int64
	for _, c := range rowsToChange {
		if c.status == newStatus {
			continue
		}
		res, err := tx.ExecContext(ctx, `UPDATE error_aggregates SET status = ?
			WHERE project_id = ? AND fingerprint = ? AND release = ? AND environment = ?`,
			newStatus, projectID, fp, c.release, c.environment)
		if err != nil {
			return nil, apierr.Internal("update error_aggregates status", err)
		}
		n, _ := res.RowsAffected()
		updated += n

		if _, err := tx.ExecContext(ctx, `INSERT INTO status_changes (project_id, fingerprint, old_status, new_status, changed_at)
			VALUES (?, ?, ?, ?, ?)`, projectID, fp, c.status, newStatus, nowMs); err != nil {
			return nil, apierr.Internal("insert status_changes", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Internal("commit status change tx", err)
	}

	return &StatusChangeResult{Fingerprint: fp, Status: newStatus, Updated: updated}, nil
}

// HistoryRow is one row of status_changes.
type HistoryRow struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	ChangedAt int64  `json:"changed_at"`
}

// GetHistory returns the status change log for fp, newest first.
func (s *Store) GetHistory(ctx context.Context, projectID, fp string) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT old_status, new_status, changed_at FROM status_changes
		WHERE project_id = ? AND fingerprint = ? ORDER BY changed_at DESC`, projectID, fp)
	if err != nil {
		return nil, apierr.Internal("query status_changes", err)
	}
	defer rows.Close()
	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.OldStatus, &h.NewStatus, &h.ChangedAt); err != nil {
			return nil, apierr.Internal("scan status_changes", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate status_changes", err)
	}
	return out, nil
}

// HourlyPoint is one bucket of event_counts_hourly.
type HourlyPoint struct {
	HourBucket int64 `json:"hour_bucket"`
	Count      int64 `json:"count"`
}

// clampHours enforces the [1, 720] allowed window.
func clampHours(hours int) int {
	if hours <= 0 {
		return 24
	}
	if hours > 720 {
		return 720
	}
	return hours
}

// GetTrend returns the hourly count series for one fingerprint.
func (s *Store) GetTrend(ctx context.Context, projectID, fp string, hours int) ([]HourlyPoint, error) {
	hours = clampHours(hours)
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT hour_bucket, SUM(count) FROM event_counts_hourly
		WHERE project_id = ? AND fingerprint = ? AND hour_bucket >= ?
		GROUP BY hour_bucket ORDER BY hour_bucket ASC`, projectID, fp, since)
	if err != nil {
		return nil, apierr.Internal("query event_counts_hourly", err)
	}
	return scanHourlyPoints(rows)
}

// GetTrends returns the hourly total series across all fingerprints.
func (s *Store) GetTrends(ctx context.Context, projectID string, hours int) ([]HourlyPoint, error) {
	hours = clampHours(hours)
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT hour_bucket, SUM(count) FROM event_counts_hourly
		WHERE project_id = ? AND hour_bucket >= ?
		GROUP BY hour_bucket ORDER BY hour_bucket ASC`, projectID, since)
	if err != nil {
		return nil, apierr.Internal("query event_counts_hourly", err)
	}
	return scanHourlyPoints(rows)
}

func scanHourlyPoints(rows *sql.Rows) ([]HourlyPoint, error) {
	defer rows.Close()
	var out []HourlyPoint
	for rows.Next() {
		var p HourlyPoint
		if err := rows.Scan(&p.HourBucket, &p.Count); err != nil {
			return nil, apierr.Internal("scan event_counts_hourly", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate event_counts_hourly", err)
	}
	return out, nil
}

// RouteCount is one row of the top-routes breakdown in Stats.
type RouteCount struct {
	Route string `json:"route"`
	Count int64  `json:"count"`
}

// Stats is the /v1/stats response: grand totals plus the busiest routes.
type Stats struct {
	TotalErrors      int64        `json:"total_errors"`
	UnresolvedCount  int64        `json:"unresolved_count"`
	DistinctFingerps int64        `json:"distinct_fingerprints"`
	TopRoutes        []RouteCount `json:"top_routes"`
}

// GetStats computes project-wide totals and the top-10 routes by
// cumulative error count.
func (s *Store) GetStats(ctx context.Context, projectID string) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_count), 0),
		COALESCE(SUM(CASE WHEN status = 'unresolved' THEN total_count ELSE 0 END), 0),
		COUNT(*)
		FROM error_aggregates WHERE project_id = ?`, projectID).
		Scan(&st.TotalErrors, &st.UnresolvedCount, &st.DistinctFingerps)
	if err != nil {
		return nil, apierr.Internal("query error_aggregates stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(route, '(none)'), SUM(total_count) AS c
		FROM error_aggregates WHERE project_id = ? GROUP BY route ORDER BY c DESC LIMIT 10`, projectID)
	if err != nil {
		return nil, apierr.Internal("query top routes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rc RouteCount
		if err := rows.Scan(&rc.Route, &rc.Count); err != nil {
			return nil, apierr.Internal("scan top routes", err)
		}
		st.TopRoutes = append(st.TopRoutes, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Internal("iterate top routes", err)
	}
	return &st, nil
}
