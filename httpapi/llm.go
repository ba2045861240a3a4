package httpapi

import (
	"net/http"
	"time"

	"github.com/bloopsh/bloop/apierr"
	"github.com/bloopsh/bloop/contentpolicy"
	"github.com/bloopsh/bloop/pricing"
)

func hoursParam(r *http.Request) int {
	return clampInt(parseIntParam(r, "hours", 24), 1, 720)
}

func limitParam(r *http.Request, def int) int {
	return clampInt(parseIntParam(r, "limit", def), 1, 200)
}

func (d *Deps) handleLLMOverview(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetOverview(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMUsage(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetUsage(r.Context(), projectIDFromContext(r.Context()), r.URL.Query().Get("model"), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMLatency(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetLatency(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMModels(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetModels(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMTraces(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50)
	offset := parseIntParam(r, "offset", 0)
	out, err := d.Store.ListTraces(r.Context(), projectIDFromContext(r.Context()), limit, offset)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMTraceDetail(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetTraceDetail(r.Context(), projectIDFromContext(r.Context()), idParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("search")
	if q == "" {
		writeError(w, d.Logger, apierr.Validation("search query parameter is required"))
		return
	}
	out, err := d.Store.SearchTraces(r.Context(), projectIDFromContext(r.Context()), q, limitParam(r, 50))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMPrompts(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetPrompts(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMSessions(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50)
	offset := parseIntParam(r, "offset", 0)
	out, err := d.Store.ListSessions(r.Context(), projectIDFromContext(r.Context()), limit, offset)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMSession(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetSession(r.Context(), projectIDFromContext(r.Context()), idParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMTools(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetTools(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleLLMRAG(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetRAG(r.Context(), projectIDFromContext(r.Context()), hoursParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleGetLLMSettings(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	policy, err := d.ContentCache.Get(r.Context(), projectID)
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, map[string]string{"content_storage": string(policy)})
}

func (d *Deps) handleSetLLMSettings(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	var body struct {
		ContentStorage string `json:"content_storage"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	policy := contentpolicy.ParseStorage(body.ContentStorage, contentpolicy.StorageFull)
	if err := d.ContentCache.Set(r.Context(), projectID, policy, time.Now().UnixMilli()); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, map[string]string{"content_storage": string(policy)})
}

func (d *Deps) handleAddScore(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	traceID := idParam(r)
	var body struct {
		Name         string   `json:"name"`
		ValueNumeric *float64 `json:"value_numeric"`
		ValueString  string   `json:"value_string"`
		Comment      string   `json:"comment"`
		Source       string   `json:"source"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if body.Name == "" {
		writeError(w, d.Logger, apierr.Validation("name is required"))
		return
	}
	if err := d.Store.AddScore(r.Context(), projectID, traceID, body.Name, body.ValueNumeric, body.ValueString, body.Comment, body.Source, time.Now().UnixMilli()); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "recorded"})
}

func (d *Deps) handleListScores(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	out, err := d.Store.ListScores(r.Context(), projectID, idParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleScoreSummary(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetScoreSummary(r.Context(), projectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleAddFeedback(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	traceID := idParam(r)
	var body struct {
		UserID  string `json:"user_id"`
		Rating  string `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if body.Rating == "" {
		writeError(w, d.Logger, apierr.Validation("rating is required"))
		return
	}
	if err := d.Store.AddFeedback(r.Context(), projectID, traceID, body.UserID, body.Rating, body.Comment, time.Now().UnixMilli()); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "recorded"})
}

func (d *Deps) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	out, err := d.Store.ListFeedback(r.Context(), projectID, idParam(r))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleFeedbackSummary(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetFeedbackSummary(r.Context(), projectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	out, err := d.Store.GetBudget(r.Context(), projectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, out)
}

func (d *Deps) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDFromContext(r.Context())
	var body struct {
		MonthlyBudgetMicros int64   `json:"monthly_budget_micros"`
		AlertThresholdPct   float64 `json:"alert_threshold_pct"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if err := d.Store.SetBudget(r.Context(), projectID, body.MonthlyBudgetMicros, body.AlertThresholdPct, time.Now().UnixMilli()); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	writeJSON(w, map[string]string{"status": "updated"})
}

func (d *Deps) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, d.Logger, apierr.Validation("model query parameter is required"))
		return
	}
	projectID := projectIDFromContext(r.Context())
	rate, ok := d.PriceTable.Lookup(model, projectID)
	if !ok {
		writeError(w, d.Logger, apierr.NotFound("no pricing found for model %q", model))
		return
	}
	writeJSON(w, rate)
}

func (d *Deps) handleSetPricingOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model              string  `json:"model"`
		ProjectID          string  `json:"project_id"`
		InputCostPerToken  float64 `json:"input_cost_per_token"`
		OutputCostPerToken float64 `json:"output_cost_per_token"`
		Provider           string  `json:"provider"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	if body.Model == "" {
		writeError(w, d.Logger, apierr.Validation("model is required"))
		return
	}
	now := time.Now().UnixMilli()
	if err := d.Store.SetPricingOverride(r.Context(), body.Model, body.ProjectID, body.InputCostPerToken, body.OutputCostPerToken, body.Provider, now); err != nil {
		writeError(w, d.Logger, err)
		return
	}
	d.PriceTable.SetOverride(body.Model, body.ProjectID, pricing.Rate{
		InputCostPerToken:  body.InputCostPerToken,
		OutputCostPerToken: body.OutputCostPerToken,
		Provider:           body.Provider,
	})
	writeJSON(w, map[string]string{"status": "updated"})
}
