package httpapi

import (
	"net/http"

	"github.com/bloopsh/bloop/apierr"
)

// analyticsUnavailable reports whether the columnar engine failed to
// initialize. A DuckDB init failure disables analytics only, not the
// whole server.
func (d *Deps) analyticsUnavailable(w http.ResponseWriter) bool {
	if d.Analytics == nil {
		writeError(w, d.Logger, apierr.Internal("analytics engine unavailable", nil))
		return true
	}
	return false
}

func (d *Deps) handleAnalyticsSpikes(w http.ResponseWriter, r *http.Request) {
	if d.analyticsUnavailable(w) {
		return
	}
	z := d.Config.ZScoreThreshold
	raw, err := d.Analytics.SpikeDetection(r.Context(), projectIDFromContext(r.Context()), hoursParam(r), z)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeRawJSON(w, raw)
}

func (d *Deps) handleAnalyticsMovers(w http.ResponseWriter, r *http.Request) {
	if d.analyticsUnavailable(w) {
		return
	}
	raw, err := d.Analytics.TopMovers(r.Context(), projectIDFromContext(r.Context()), hoursParam(r), limitParam(r, 20))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeRawJSON(w, raw)
}

func (d *Deps) handleAnalyticsCorrelations(w http.ResponseWriter, r *http.Request) {
	if d.analyticsUnavailable(w) {
		return
	}
	raw, err := d.Analytics.Correlations(r.Context(), projectIDFromContext(r.Context()), hoursParam(r), 0.5)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeRawJSON(w, raw)
}

func (d *Deps) handleAnalyticsReleaseImpact(w http.ResponseWriter, r *http.Request) {
	if d.analyticsUnavailable(w) {
		return
	}
	raw, err := d.Analytics.ReleaseImpact(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeRawJSON(w, raw)
}

func (d *Deps) handleAnalyticsEnvironments(w http.ResponseWriter, r *http.Request) {
	if d.analyticsUnavailable(w) {
		return
	}
	raw, err := d.Analytics.EnvironmentBreakdown(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeRawJSON(w, raw)
}
