package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/eventpipeline"
	"github.com/bloopsh/bloop/observability"
)

// StreamingEvaluator consumes eventpipeline.NewFingerprintEvent and
// fires new_issue rules, gated by a per-(project, rule, fingerprint)
// cooldown.
type StreamingEvaluator struct {
	db           *sql.DB
	logger       zerolog.Logger
	dispatcher   Dispatcher
	cooldownSecs int64
	metrics      *observability.Metrics

	eventCh <-chan eventpipeline.NewFingerprintEvent
	done    chan struct{}
}

// NewStreamingEvaluator builds the evaluator over eventCh, the same
// channel the event pipeline worker try-sends NewFingerprintEvents to.
// metrics may be nil.
func NewStreamingEvaluator(db *sql.DB, logger zerolog.Logger, dispatcher Dispatcher, cooldownSecs int64, eventCh <-chan eventpipeline.NewFingerprintEvent, metrics *observability.Metrics) *StreamingEvaluator {
	return &StreamingEvaluator{
		db:           db,
		logger:       logger.With().Str("component", "alerts.streaming").Logger(),
		dispatcher:   dispatcher,
		cooldownSecs: cooldownSecs,
		metrics:      metrics,
		eventCh:      eventCh,
		done:         make(chan struct{}),
	}
}

// Run consumes events until ctx is cancelled or the channel is closed.
func (e *StreamingEvaluator) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.eventCh:
			if !ok {
				return
			}
			if err := e.evaluate(ctx, ev); err != nil {
				e.logger.Error().Err(err).Str("fingerprint", ev.Fingerprint).Msg("new-issue rule evaluation failed")
			}
		}
	}
}

// Done is closed once Run returns.
func (e *StreamingEvaluator) Done() <-chan struct{} { return e.done }

func (e *StreamingEvaluator) evaluate(ctx context.Context, ev eventpipeline.NewFingerprintEvent) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, project_id, config FROM alert_rules
		WHERE rule_type = 'new_issue' AND enabled = 1 AND (project_id = ? OR project_id IS NULL)`,
		ev.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("query new_issue rules: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id        string
		projectID sql.NullString
		config    string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.projectID, &c.config); err != nil {
			return fmt.Errorf("scan alert_rules row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate alert_rules: %w", err)
	}

	now := time.Now().UnixMilli()

	for _, c := range candidates {
		var cfg NewIssueConfig
		if err := decodeConfig(c.config, &cfg); err != nil {
			e.logger.Warn().Err(err).Str("rule_id", c.id).Msg("skipping rule with unparseable config")
			continue
		}
		if cfg.Environment != "" && cfg.Environment != ev.Environment {
			continue
		}

		fired, err := e.checkAndSetCooldown(ctx, ev.ProjectID, c.id, ev.Fingerprint, now)
		if err != nil {
			return err
		}
		if !fired {
			continue
		}

		if e.metrics != nil {
			e.metrics.AlertsFired.WithLabelValues(ev.ProjectID, string(RuleNewIssue)).Inc()
		}
		msg := fmt.Sprintf("new issue in project %s: %s — %s", ev.ProjectID, ev.ErrorType, ev.Message)
		e.dispatcher.Dispatch(c.id, cfg.Channels, msg)
	}

	return nil
}

// checkAndSetCooldown reports whether the rule should fire (cooldown
// has elapsed or this is the first time), and if so, upserts the
// cooldown row with now.
func (e *StreamingEvaluator) checkAndSetCooldown(ctx context.Context, projectID, ruleID, key string, nowMs int64) (bool, error) {
	var lastFired int64
	err := e.db.QueryRowContext(ctx, `SELECT last_fired_ts FROM alert_cooldowns WHERE project_id = ? AND rule_id = ? AND key = ?`,
		projectID, ruleID, key).Scan(&lastFired)
	switch {
	case err == sql.ErrNoRows:
		// never fired
	case err != nil:
		return false, fmt.Errorf("query alert_cooldowns: %w", err)
	default:
		if nowMs-lastFired < e.cooldownSecs*1000 {
			return false, nil
		}
	}

	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO alert_cooldowns (project_id, rule_id, key, last_fired_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, rule_id, key) DO UPDATE SET last_fired_ts = excluded.last_fired_ts`,
		projectID, ruleID, key, nowMs,
	); err != nil {
		return false, fmt.Errorf("upsert alert_cooldowns: %w", err)
	}
	return true, nil
}
