package httpapi

import (
	"net/http"
	"time"

	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/llmpipeline"
)

// llmStamp runs content-policy stripping and cost attribution on a raw
// trace before it is handed to the pipeline worker.
func llmStamp(r *http.Request, d *Deps, projectID string, raw ingest.RawTrace) (*ingest.ProcessedTrace, error) {
	return llmpipeline.Stamp(r.Context(), projectID, raw, d.ContentCache, d.PriceTable, time.Now().UnixMilli())
}

// applyTraceUpdate writes a partial trace update directly against the
// row store, mirroring the shape llmpipeline.ApplyUpdate composes.
func applyTraceUpdate(r *http.Request, d *Deps, projectID, traceID string, u ingest.TraceUpdate) (bool, error) {
	return llmpipeline.ApplyUpdate(r.Context(), d.DB, projectID, traceID, u)
}
