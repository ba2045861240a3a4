package pricing

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestLookupExactBaseMatch(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	r, ok := pt.Lookup("openai/gpt-4o", "proj1")
	if !ok {
		t.Fatal("expected exact base match")
	}
	if r.InputCostPerToken <= 0 {
		t.Fatal("expected nonzero input rate")
	}
}

func TestLookupPrefixFallback(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	r, ok := pt.Lookup("gpt-4o", "proj1")
	if !ok {
		t.Fatal("expected prefix-qualified fallback match for bare model name")
	}
	if r.Provider != "openai" {
		t.Fatalf("expected openai provider, got %s", r.Provider)
	}
}

func TestLookupDateSuffixStripped(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	_, ok := pt.Lookup("gpt-4o-2024-08-06", "proj1")
	if !ok {
		t.Fatal("expected date-suffix-stripped match")
	}
}

func TestLookupOverrideTakesPrecedence(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	pt.SetOverride("openai/gpt-4o", "proj1", Rate{InputCostPerToken: 0.000099, OutputCostPerToken: 0.000199, Provider: "openai"})
	r, ok := pt.Lookup("openai/gpt-4o", "proj1")
	if !ok {
		t.Fatal("expected override match")
	}
	if r.InputCostPerToken != 0.000099 {
		t.Fatalf("expected override rate to take precedence, got %v", r.InputCostPerToken)
	}

	// A different project without its own override falls through to base.
	r2, ok := pt.Lookup("openai/gpt-4o", "proj2")
	if !ok {
		t.Fatal("expected base match for project without override")
	}
	if r2.InputCostPerToken == 0.000099 {
		t.Fatal("expected project-scoped override not to leak to another project")
	}
}

func TestLookupUnknownModelMiss(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	if _, ok := pt.Lookup("totally-unknown-model-xyz", "proj1"); ok {
		t.Fatal("expected miss for unknown model")
	}
}

func TestCostMicrosComputesFromRatesWhenSubmittedZero(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	got := pt.CostMicros("openai/gpt-4o-mini", "proj1", 1_000_000, 1_000_000, 0)
	// 0.15 + 0.60 = 0.75 dollars -> 750000 micros
	if got != 750000 {
		t.Fatalf("expected 750000 micros, got %d", got)
	}
}

func TestCostMicrosUsesSubmittedDollarsWhenNonzero(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	got := pt.CostMicros("openai/gpt-4o", "proj1", 100, 100, 0.0042)
	if got != 4200 {
		t.Fatalf("expected 4200 micros, got %d", got)
	}
}

func TestCostMicrosFallsBackToSubmittedWhenModelUnknown(t *testing.T) {
	pt := New(zerolog.Nop(), "")
	got := pt.CostMicros("unknown-model", "proj1", 1000, 1000, 0)
	if got != 0 {
		t.Fatalf("expected 0 micros when model unknown and submitted cost is 0, got %d", got)
	}
}
