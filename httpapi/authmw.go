package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bloopsh/bloop/apierr"
)

// ingestAuthMiddleware verifies the HMAC signature on the request body
// before handlers run. The body must be fully read to verify it, so it
// is buffered and replaced for downstream handlers.
func (d *Deps) ingestAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, d.Logger, apierr.Validation("failed to read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		projectSlug := r.URL.Query().Get("project_id")
		sig := r.Header.Get("X-Signature")
		projectID, err := d.IngestAuth.VerifyHMAC(projectSlug, body, sig)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}

		r = r.WithContext(withProjectID(r.Context(), projectID))
		next.ServeHTTP(w, r)
	})
}

// queryAuthMiddleware implements the scope-resolution rule: a
// presented bearer credential's embedded project_id overrides the
// query-string project_id and must carry the route's required scope,
// or the request is refused; absent a bearer credential, the
// query-string project_id is used as-is.
func (d *Deps) queryAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required := requiredScope(r)
		token := bearerToken(r)

		if token == "" {
			projectID := r.URL.Query().Get("project_id")
			r = r.WithContext(withProjectID(r.Context(), projectID))
			next.ServeHTTP(w, r)
			return
		}

		projectID, scopes, ok, err := d.QueryAuth.Resolve(token)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if !ok {
			writeError(w, d.Logger, apierr.Unauthorized("invalid credential"))
			return
		}
		if !hasScope(scopes, required) {
			writeError(w, d.Logger, apierr.Unauthorized("credential lacks required scope %q", required))
			return
		}
		if projectID == "" {
			projectID = r.URL.Query().Get("project_id")
		}

		r = r.WithContext(withProjectID(r.Context(), projectID))
		next.ServeHTTP(w, r)
	})
}

// requiredScope derives the scope a route requires from its method:
// reads need "read", mutations need "write". Admin routes need "admin".
func requiredScope(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/v1/admin/") {
		return "admin"
	}
	if r.Method == http.MethodGet {
		return "read"
	}
	return "write"
}

// traceIDParam, idParam and fpParam read the path parameters shared
// across multiple handler files.
func traceIDParam(r *http.Request) string {
	return chi.URLParam(r, "trace_id")
}

func idParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func fpParam(r *http.Request) string {
	return chi.URLParam(r, "fp")
}
