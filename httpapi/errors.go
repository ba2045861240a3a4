package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bloopsh/bloop/query"
)

func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (d *Deps) handleListErrors(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	q := r.URL.Query()

	var since, until *int64
	if v := q.Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = &n
		}
	}
	if v := q.Get("until"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			until = &n
		}
	}

	filter := query.ErrorFilter{
		ProjectID:   projectID,
		Release:     q.Get("release"),
		Environment: q.Get("environment"),
		Source:      q.Get("source"),
		Route:       q.Get("route"),
		Status:      q.Get("status"),
		Since:       since,
		Until:       until,
		Sort:        q.Get("sort"),
		Limit:       clampInt(parseIntParam(r, "limit", 50), 1, 200),
		Offset:      parseIntParam(r, "offset", 0),
	}

	out, err := d.Store.ListErrors(r.Context(), filter)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleGetError(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	detail, err := d.Store.GetErrorDetail(r.Context(), projectID, fpParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, detail)
}

func (d *Deps) handleGetOccurrences(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	limit := clampInt(parseIntParam(r, "limit", 50), 1, 200)
	offset := parseIntParam(r, "offset", 0)

	out, err := d.Store.GetOccurrences(r.Context(), projectID, fpParam(r), limit, offset)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleChangeStatus(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := projectIDFromContext(r.Context())
		result, err := d.Store.ChangeStatus(r.Context(), projectID, fpParam(r), action, time.Now().UnixMilli())
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, result)
	}
}

func (d *Deps) handleErrorTrend(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	hours := clampInt(parseIntParam(r, "hours", 24), 1, 720)

	out, err := d.Store.GetTrend(r.Context(), projectID, fpParam(r), hours)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleErrorHistory(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	out, err := d.Store.GetHistory(r.Context(), projectID, fpParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleTrends(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	hours := clampInt(parseIntParam(r, "hours", 24), 1, 720)

	out, err := d.Store.GetTrends(r.Context(), projectID, hours)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	out, err := d.Store.GetStats(r.Context(), projectID)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := d.DBPing(); err != nil {
		dbOK = false
	}

	body := map[string]interface{}{
		"status": "ok",
		"db_ok":  dbOK,
	}
	var bufferUsage float64
	if d.EventWorker != nil {
		es := d.EventWorker.Stats()
		body["event_buffer"] = es
		d.Metrics.SetBufferUsage("events", es.BufferLen, es.BufferCap)
		bufferUsage = maxRatio(bufferUsage, es.BufferLen, es.BufferCap)
	}
	if d.LLMWorker != nil {
		ts := d.LLMWorker.Stats()
		body["trace_buffer"] = ts
		d.Metrics.SetBufferUsage("traces", ts.BufferLen, ts.BufferCap)
		bufferUsage = maxRatio(bufferUsage, ts.BufferLen, ts.BufferCap)
	}
	body["buffer_usage"] = bufferUsage
	body["analytics_enabled"] = d.Analytics != nil

	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
		body["status"] = "degraded"
	}
	writeJSON(w, body)
}

// maxRatio returns the greater of cur and length/capacity, so
// buffer_usage reports the fuller of the event/trace channels.
func maxRatio(cur float64, length, capacity int) float64 {
	if capacity <= 0 {
		return cur
	}
	r := float64(length) / float64(capacity)
	if r > cur {
		return r
	}
	return cur
}
