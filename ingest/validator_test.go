package ingest

import (
	"testing"

	"github.com/bloopsh/bloop/apierr"
	"github.com/bloopsh/bloop/config"
)

func testValidator() *Validator {
	cfg := config.Load()
	return NewValidator(cfg)
}

func TestValidateEventRequiredFields(t *testing.T) {
	v := testValidator()
	cases := []RawEvent{
		{Release: "1.0", ErrorType: "E", Message: "m"},             // missing environment
		{Environment: "prod", ErrorType: "E", Message: "m"},        // missing release
		{Environment: "prod", Release: "1.0", Message: "m"},        // missing error_type
		{Environment: "prod", Release: "1.0", ErrorType: "E"},      // missing message
	}
	for i, c := range cases {
		if _, err := v.ValidateEvent("default", c, 1000); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		} else if apierr.As(err).Kind != apierr.KindValidation {
			t.Fatalf("case %d: expected KindValidation, got %v", i, apierr.As(err).Kind)
		}
	}
}

func TestValidateEventStampsFingerprintAndReceivedAt(t *testing.T) {
	v := testValidator()
	pe, err := v.ValidateEvent("default", RawEvent{
		Source: "ios", Environment: "prod", Release: "2.0.0",
		ErrorType: "NetworkError", Message: "Connection timed out after 5000ms",
	}, 12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pe.Fingerprint == "" {
		t.Fatal("expected fingerprint to be stamped")
	}
	if pe.ReceivedAtMs != 12345 {
		t.Fatalf("expected received_at 12345, got %d", pe.ReceivedAtMs)
	}
}

func TestValidateEventMessageTooLong(t *testing.T) {
	v := &Validator{maxMessageBytes: 4, maxBatchSize: 10}
	_, err := v.ValidateEvent("default", RawEvent{
		Environment: "prod", Release: "1.0", ErrorType: "E", Message: "too long",
	}, 0)
	if apierr.As(err).Kind != apierr.KindValidation {
		t.Fatalf("expected validation error for oversized message")
	}
}

func TestValidateBatchSize(t *testing.T) {
	v := &Validator{maxBatchSize: 2}
	if err := v.ValidateBatchSize(3); err == nil {
		t.Fatal("expected error for batch exceeding max size")
	}
	if err := v.ValidateBatchSize(2); err != nil {
		t.Fatalf("unexpected error at exact max: %v", err)
	}
}

func TestValidateTraceIDLength(t *testing.T) {
	v := &Validator{maxSpansPerTrace: 10}
	longID := make([]byte, 129)
	for i := range longID {
		longID[i] = 'a'
	}
	if err := v.ValidateTrace(RawTrace{ID: string(longID)}); err == nil {
		t.Fatal("expected error for trace id > 128 chars")
	}
	if err := v.ValidateTrace(RawTrace{ID: "short"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTraceSpanCount(t *testing.T) {
	v := &Validator{maxSpansPerTrace: 1}
	if err := v.ValidateTrace(RawTrace{ID: "t1", Spans: []RawSpan{{}, {}}}); err == nil {
		t.Fatal("expected error for span count exceeding max_spans_per_trace")
	}
}
