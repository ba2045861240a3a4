package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/bloopsh/bloop/apierr"
	"github.com/bloopsh/bloop/config"
	"github.com/bloopsh/bloop/fingerprint"
)

// Validator enforces size-bound, required-field, and type checks, then
// stamps a ProcessedEvent/ProcessedTrace.
type Validator struct {
	maxMessageBytes  int
	maxStackBytes    int
	maxMetadataBytes int
	maxBatchSize     int
	maxSpansPerTrace int
	llmMaxBatchSize  int
}

// NewValidator builds a Validator from the ingest-related config fields.
func NewValidator(cfg *config.Config) *Validator {
	return &Validator{
		maxMessageBytes:  cfg.MaxMessageBytes,
		maxStackBytes:    cfg.MaxStackBytes,
		maxMetadataBytes: cfg.MaxMetadataBytes,
		maxBatchSize:     cfg.MaxBatchSize,
		maxSpansPerTrace: cfg.MaxSpansPerTrace,
		llmMaxBatchSize:  cfg.LLMMaxBatchSize,
	}
}

// ValidateBatchSize rejects a batch endpoint request when count exceeds
// max_batch_size, distinct from per-item validity failures.
func (v *Validator) ValidateBatchSize(count int) error {
	if count > v.maxBatchSize {
		return apierr.Validation("batch size %d exceeds max_batch_size %d", count, v.maxBatchSize)
	}
	return nil
}

// ValidateLLMBatchSize is the trace-batch analogue of ValidateBatchSize.
func (v *Validator) ValidateLLMBatchSize(count int) error {
	if count > v.llmMaxBatchSize {
		return apierr.Validation("trace batch size %d exceeds max_batch_size %d", count, v.llmMaxBatchSize)
	}
	return nil
}

// ValidateEvent checks one RawEvent and, on success, returns a stamped
// ProcessedEvent with fingerprint and received_at populated.
func (v *Validator) ValidateEvent(projectID string, e RawEvent, nowMs int64) (*ProcessedEvent, error) {
	if e.Environment == "" {
		return nil, apierr.Validation("environment is required")
	}
	if e.Release == "" {
		return nil, apierr.Validation("release is required")
	}
	if e.ErrorType == "" {
		return nil, apierr.Validation("error_type is required")
	}
	if e.Message == "" {
		return nil, apierr.Validation("message is required")
	}
	if len(e.Message) > v.maxMessageBytes {
		return nil, apierr.Validation("message exceeds max_message_bytes (%d > %d)", len(e.Message), v.maxMessageBytes)
	}
	if len(e.Stack) > v.maxStackBytes {
		return nil, apierr.Validation("stack exceeds max_stack_bytes (%d > %d)", len(e.Stack), v.maxStackBytes)
	}

	metaJSON, err := marshalMetadata(e.Metadata, v.maxMetadataBytes)
	if err != nil {
		return nil, err
	}

	fp := e.Fingerprint
	if fp == "" {
		fp = fingerprint.Compute(fingerprint.Input{
			Source:    e.Source,
			ErrorType: e.ErrorType,
			Route:     e.Route,
			Message:   e.Message,
			Stack:     e.Stack,
		})
	}

	occurredAt := e.Timestamp
	if occurredAt == 0 {
		occurredAt = nowMs
	}

	return &ProcessedEvent{
		ProjectID:    projectID,
		Fingerprint:  fp,
		Source:       e.Source,
		Environment:  e.Environment,
		Release:      e.Release,
		ErrorType:    e.ErrorType,
		Message:      e.Message,
		Stack:        e.Stack,
		Route:        e.Route,
		Screen:       e.Screen,
		HTTPStatus:   e.HTTPStatus,
		RequestID:    e.RequestID,
		UserIDHash:   e.UserIDHash,
		DeviceIDHash: e.DeviceIDHash,
		MetadataJSON: metaJSON,
		OccurredAtMs: occurredAt,
		ReceivedAtMs: nowMs,
	}, nil
}

// ValidateTrace checks one RawTrace (id length, span count) and returns
// a Validation error on the first failed check; content stripping and cost attribution happen
// later in llmpipeline, once the project's content policy is known.
func (v *Validator) ValidateTrace(t RawTrace) error {
	if t.ID == "" {
		return apierr.Validation("trace id is required")
	}
	if len(t.ID) > 128 {
		return apierr.Validation("trace id exceeds 128 characters")
	}
	if len(t.Spans) > v.maxSpansPerTrace {
		return apierr.Validation("span count %d exceeds max_spans_per_trace %d", len(t.Spans), v.maxSpansPerTrace)
	}
	return nil
}

func marshalMetadata(meta map[string]interface{}, maxBytes int) (string, error) {
	if meta == nil {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", apierr.Validation("metadata is not valid JSON: %v", err)
	}
	if len(b) > maxBytes {
		return "", apierr.Validation("metadata exceeds max_metadata_bytes (%d > %d)", len(b), maxBytes)
	}
	return string(b), nil
}

// MarshalAny serializes an arbitrary field (input/output) to JSON,
// returning "" for nil so the writer layer (nullIfEmpty) stores SQL
// NULL for it.
func MarshalAny(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(b)
}
