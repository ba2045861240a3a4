package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/bloopsh/bloop/apierr"
)

func (d *Deps) handlePurgeNow(w http.ResponseWriter, r *http.Request) {
	rawDeleted, hourlyDeleted, err := d.Sweeper.SweepOnce(r.Context(), time.Now().UnixMilli())
	if err != nil {
		writeError(w, d.Logger, apierr.Internal("retention sweep failed", err))
		return
	}
	writeJSON(w, map[string]int64{
		"raw_events_deleted":  rawDeleted,
		"hourly_rows_deleted": hourlyDeleted,
	})
}

type retentionSettings struct {
	ProjectID     string `json:"project_id,omitempty"`
	RawEventsDays int    `json:"raw_events_days"`
	HourlyDays    int    `json:"hourly_days"`
}

// handleGetRetentionSettings returns the project override when one
// exists for the caller's resolved project, else the global default.
func (d *Deps) handleGetRetentionSettings(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())

	if projectID != "" {
		var s retentionSettings
		err := d.DB.QueryRowContext(r.Context(),
			`SELECT raw_events_days, hourly_days FROM project_retention WHERE project_id = ?`, projectID).
			Scan(&s.RawEventsDays, &s.HourlyDays)
		if err == nil {
			s.ProjectID = projectID
			writeJSON(w, s)
			return
		}
		if err != sql.ErrNoRows {
			writeError(w, d.Logger, apierr.Internal("query project_retention", err))
			return
		}
	}

	var s retentionSettings
	err := d.DB.QueryRowContext(r.Context(),
		`SELECT raw_events_days, hourly_days FROM retention_settings WHERE scope = 'global'`).
		Scan(&s.RawEventsDays, &s.HourlyDays)
	if err == sql.ErrNoRows {
		s.RawEventsDays = d.Config.RawEventsDays
		s.HourlyDays = d.Config.HourlyEventsDays
	} else if err != nil {
		writeError(w, d.Logger, apierr.Internal("query retention_settings", err))
		return
	}
	writeJSON(w, s)
}

// handleSetRetentionSettings upserts either the global default (no
// project_id in the body) or a per-project override.
func (d *Deps) handleSetRetentionSettings(w http.ResponseWriter, r *http.Request) {
	var body retentionSettings
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if body.RawEventsDays <= 0 || body.HourlyDays < 0 {
		writeError(w, d.Logger, apierr.Validation("raw_events_days must be positive and hourly_days must be non-negative"))
		return
	}

	var err error
	if body.ProjectID != "" {
		_, err = d.DB.ExecContext(r.Context(), `INSERT INTO project_retention (project_id, raw_events_days, hourly_days)
			VALUES (?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET raw_events_days = excluded.raw_events_days, hourly_days = excluded.hourly_days`,
			body.ProjectID, body.RawEventsDays, body.HourlyDays)
	} else {
		_, err = d.DB.ExecContext(r.Context(), `INSERT INTO retention_settings (scope, raw_events_days, hourly_days)
			VALUES ('global', ?, ?)
			ON CONFLICT(scope) DO UPDATE SET raw_events_days = excluded.raw_events_days, hourly_days = excluded.hourly_days`,
			body.RawEventsDays, body.HourlyDays)
	}
	if err != nil {
		writeError(w, d.Logger, apierr.Internal("upsert retention settings", err))
		return
	}
	writeJSON(w, body)
}
