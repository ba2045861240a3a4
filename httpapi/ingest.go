package httpapi

import (
	"net/http"
	"time"

	"github.com/bloopsh/bloop/apierr"
	"github.com/bloopsh/bloop/ingest"
)

func (d *Deps) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	var raw ingest.RawEvent
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, d.Logger, err)
		return
	}

	processed, err := d.Validator.ValidateEvent(projectID, raw, time.Now().UnixMilli())
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if !d.EventWorker.TryEnqueue(*processed) {
		d.Metrics.EventsDropped.WithLabelValues(projectID).Inc()
		d.Logger.Warn().Str("project_id", projectID).Msg("event buffer full, event dropped")
		writeJSON(w, map[string]string{"status": "accepted"})
		return
	}
	d.Metrics.EventsIngested.WithLabelValues(projectID).Inc()
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (d *Deps) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	var raws []ingest.RawEvent
	if err := decodeJSON(r, &raws); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if err := d.Validator.ValidateBatchSize(len(raws)); err != nil {
		writeError(w, d.Logger, err)
		return
	}

	now := time.Now().UnixMilli()
	accepted, dropped := 0, 0
	for _, raw := range raws {
		processed, err := d.Validator.ValidateEvent(projectID, raw, now)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if d.EventWorker.TryEnqueue(*processed) {
			accepted++
		} else {
			dropped++
		}
	}
	d.Metrics.EventsIngested.WithLabelValues(projectID).Add(float64(accepted))
	d.Metrics.EventsDropped.WithLabelValues(projectID).Add(float64(dropped))
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]int{"accepted": accepted, "dropped": dropped})
}

func (d *Deps) handleIngestTrace(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	var raw ingest.RawTrace
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if err := d.Validator.ValidateTrace(raw); err != nil {
		writeError(w, d.Logger, err)
		return
	}

	processed, err := llmStamp(r, d, projectID, raw)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if !d.LLMWorker.TryEnqueue(*processed) {
		d.Logger.Warn().Str("project_id", projectID).Msg("trace buffer full, trace dropped")
		writeJSON(w, map[string]string{"status": "accepted"})
		return
	}
	d.Metrics.TracesIngested.WithLabelValues(projectID).Inc()
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (d *Deps) handleIngestTraceBatch(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	var raws []ingest.RawTrace
	if err := decodeJSON(r, &raws); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if err := d.Validator.ValidateLLMBatchSize(len(raws)); err != nil {
		writeError(w, d.Logger, err)
		return
	}

	accepted, dropped := 0, 0
	for _, raw := range raws {
		if err := d.Validator.ValidateTrace(raw); err != nil {
			writeError(w, d.Logger, err)
			return
		}
		processed, err := llmStamp(r, d, projectID, raw)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if d.LLMWorker.TryEnqueue(*processed) {
			accepted++
		} else {
			dropped++
		}
	}
	d.Metrics.TracesIngested.WithLabelValues(projectID).Add(float64(accepted))
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]int{"accepted": accepted, "dropped": dropped})
}

func (d *Deps) handleUpdateTrace(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	traceID := traceIDParam(r)

	var u ingest.TraceUpdate
	if err := decodeJSON(r, &u); err != nil {
		writeError(w, d.Logger, err)
		return
	}

	found, err := applyTraceUpdate(r, d, projectID, traceID, u)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if !found {
		writeError(w, d.Logger, apierr.NotFound("trace %q not found", traceID))
		return
	}
	writeJSON(w, map[string]string{"status": "updated"})
}
