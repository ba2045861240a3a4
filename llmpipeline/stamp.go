// Package llmpipeline implements bloop's LLM trace/span intake:
// content-policy stripping and server-side cost attribution ahead of
// a single cooperative batching worker, sharing eventpipeline's
// buffer/ticker/flush/drain shape but with no aggregator — traces
// need no dedup.
package llmpipeline

import (
	"context"

	"github.com/bloopsh/bloop/contentpolicy"
	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/pricing"
)

// Stamp applies content-policy stripping and cost attribution to a
// validated RawTrace, producing the ProcessedTrace the worker buffers.
// This runs before the trace reaches the channel, so a slow policy
// lookup or pricing miss never blocks the worker loop.
func Stamp(ctx context.Context, projectID string, t ingest.RawTrace, policyCache *contentpolicy.Cache, priceTable *pricing.Table, nowMs int64) (*ingest.ProcessedTrace, error) {
	policy, err := policyCache.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	inputJSON := ingest.MarshalAny(t.Input)
	outputJSON := ingest.MarshalAny(t.Output)
	metaJSON := ingest.MarshalAny(t.Metadata)
	inputJSON, outputJSON, metaJSON = contentpolicy.Strip(policy, inputJSON, outputJSON, metaJSON)

	spans := make([]ingest.ProcessedSpan, 0, len(t.Spans))
	var totalIn, totalOut, totalCostMicros int64

	for _, s := range t.Spans {
		spanIn := ingest.MarshalAny(s.Input)
		spanOut := ingest.MarshalAny(s.Output)
		spanMeta := ingest.MarshalAny(s.Metadata)
		spanIn, spanOut, spanMeta = contentpolicy.Strip(policy, spanIn, spanOut, spanMeta)

		costMicros := priceTable.CostMicros(s.Model, projectID, s.InputTokens, s.OutputTokens, s.Cost)

		startedAt := s.StartedAt
		if startedAt == 0 {
			startedAt = nowMs
		}

		spans = append(spans, ingest.ProcessedSpan{
			ID:                 s.ID,
			ParentSpanID:       s.ParentSpanID,
			SpanType:           s.SpanType,
			Name:               s.Name,
			Model:              s.Model,
			Provider:           s.Provider,
			InputTokens:        s.InputTokens,
			OutputTokens:       s.OutputTokens,
			CostMicros:         costMicros,
			LatencyMs:          s.LatencyMs,
			TimeToFirstTokenMs: s.TimeToFirstTokenMs,
			Status:             s.Status,
			ErrorMessage:       s.ErrorMessage,
			InputJSON:          spanIn,
			OutputJSON:         spanOut,
			MetadataJSON:       spanMeta,
			StartedAtMs:        startedAt,
			EndedAtMs:          s.EndedAt,
		})

		totalIn += s.InputTokens
		totalOut += s.OutputTokens
		totalCostMicros += costMicros
	}

	startedAt := t.StartedAt
	if startedAt == 0 {
		startedAt = nowMs
	}

	return &ingest.ProcessedTrace{
		ProjectID:     projectID,
		ID:            t.ID,
		SessionID:     t.SessionID,
		UserID:        t.UserID,
		Name:          t.Name,
		Status:        defaultStatus(t.Status),
		InputTokens:   totalIn,
		OutputTokens:  totalOut,
		TotalTokens:   totalIn + totalOut,
		CostMicros:    totalCostMicros,
		InputJSON:     inputJSON,
		OutputJSON:    outputJSON,
		MetadataJSON:  metaJSON,
		PromptName:    t.PromptName,
		PromptVersion: t.PromptVersion,
		StartedAtMs:   startedAt,
		EndedAtMs:     t.EndedAt,
		CreatedAtMs:   nowMs,
		Spans:         spans,
	}, nil
}

func defaultStatus(s string) string {
	if s == "" {
		return "running"
	}
	return s
}

// hourBucket floors a millisecond timestamp to the start of its hour,
// matching eventpipeline's bucketing convention.
func hourBucket(ms int64) int64 {
	const hourMs = int64(3600_000)
	return (ms / hourMs) * hourMs
}
