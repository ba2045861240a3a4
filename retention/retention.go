// Package retention implements bloop's sweeper: a background task
// that periodically deletes raw events and hourly buckets past each
// scope's configured TTL. Start/Stop/ticker shape mirrors a
// context+done-channel poll loop.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const dayMs = int64(86_400_000)

// Sweeper deletes raw_events and event_counts_hourly rows past each
// scope's TTL. A scope is either the global default or
// a specific project's override row.
type Sweeper struct {
	db     *sql.DB
	logger zerolog.Logger

	interval         time.Duration
	defaultRawDays   int
	defaultHourlyDays int

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New builds a Sweeper. defaultRawDays/defaultHourlyDays are the
// config fallbacks used when neither retention_settings nor
// project_retention has a row for a scope.
func New(db *sql.DB, logger zerolog.Logger, interval time.Duration, defaultRawDays, defaultHourlyDays int) *Sweeper {
	return &Sweeper{
		db:                db,
		logger:            logger.With().Str("component", "retention").Logger(),
		interval:          interval,
		defaultRawDays:    defaultRawDays,
		defaultHourlyDays: defaultHourlyDays,
		done:              make(chan struct{}),
	}
}

// Start begins the periodic sweep loop in a new goroutine.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rawDeleted, hourlyDeleted, err := s.SweepOnce(ctx, nowMs())
			if err != nil {
				s.logger.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			if rawDeleted > 0 || hourlyDeleted > 0 {
				s.logger.Info().Int64("raw_deleted", rawDeleted).Int64("hourly_deleted", hourlyDeleted).Msg("retention sweep complete")
			}
		}
	}
}

// scope describes one retention domain: the global default or a single
// project's override.
type scope struct {
	projectID  string // "" means global
	rawDays    int
	hourlyDays int
}

// SweepOnce runs a single sweep pass across every scope and returns the
// total rows deleted from raw_events and event_counts_hourly. Reused
// directly by the purge-now admin endpoint.
func (s *Sweeper) SweepOnce(ctx context.Context, now int64) (rawDeleted, hourlyDeleted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes, err := s.loadScopes(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, sc := range scopes {
		rawCutoff := now - int64(sc.rawDays)*dayMs
		hourlyCutoff := now - int64(sc.hourlyDays)*dayMs

		var res sql.Result
		if sc.projectID == "" {
			res, err = s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE received_at < ?`, rawCutoff)
		} else {
			res, err = s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE project_id = ? AND received_at < ?`, sc.projectID, rawCutoff)
		}
		if err != nil {
			return rawDeleted, hourlyDeleted, fmt.Errorf("delete raw_events (scope=%q): %w", sc.projectID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			rawDeleted += n
		}

		if sc.projectID == "" {
			res, err = s.db.ExecContext(ctx, `DELETE FROM event_counts_hourly WHERE hour_bucket < ?`, hourlyCutoff)
		} else {
			res, err = s.db.ExecContext(ctx, `DELETE FROM event_counts_hourly WHERE project_id = ? AND hour_bucket < ?`, sc.projectID, hourlyCutoff)
		}
		if err != nil {
			return rawDeleted, hourlyDeleted, fmt.Errorf("delete event_counts_hourly (scope=%q): %w", sc.projectID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			hourlyDeleted += n
		}
	}

	return rawDeleted, hourlyDeleted, nil
}

// loadScopes reads the global retention_settings row (falling back to
// configured defaults if absent) plus every project_retention override.
func (s *Sweeper) loadScopes(ctx context.Context) ([]scope, error) {
	global := scope{projectID: "", rawDays: s.defaultRawDays, hourlyDays: s.defaultHourlyDays}

	var rawDays, hourlyDays int
	err := s.db.QueryRowContext(ctx, `SELECT raw_events_days, hourly_days FROM retention_settings WHERE scope = 'global'`).Scan(&rawDays, &hourlyDays)
	switch {
	case err == sql.ErrNoRows:
		// use configured defaults
	case err != nil:
		return nil, fmt.Errorf("load global retention_settings: %w", err)
	default:
		global.rawDays, global.hourlyDays = rawDays, hourlyDays
	}

	scopes := []scope{global}

	rows, err := s.db.QueryContext(ctx, `SELECT project_id, raw_events_days, hourly_days FROM project_retention`)
	if err != nil {
		return nil, fmt.Errorf("load project_retention: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc scope
		if err := rows.Scan(&sc.projectID, &sc.rawDays, &sc.hourlyDays); err != nil {
			return nil, fmt.Errorf("scan project_retention row: %w", err)
		}
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project_retention: %w", err)
	}

	return scopes, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
