package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/apierr"
)

// writeJSON marshals v and writes it as the response body. It sets no
// status itself: the status is 200 unless the caller wrote one first.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return
	}
}

// writeRawJSON writes an already-marshaled JSON body, e.g. the cached
// results analyticsengine's queries return.
func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	if raw == nil {
		w.Write([]byte("[]"))
		return
	}
	w.Write(raw)
}

// writeError translates err to its mapped HTTP status with a JSON
// body for every kind except Internal, whose body stays opaque while
// the root cause is logged.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	e := apierr.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	if e.Kind == apierr.KindInternal {
		logger.Error().Err(e.Cause).Str("message", e.Message).Msg("internal error")
		json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": e.Message})
}

// decodeJSON reads and unmarshals the request body into v, returning a
// Validation error on malformed JSON.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Validation("malformed JSON body: %v", err)
	}
	return nil
}
