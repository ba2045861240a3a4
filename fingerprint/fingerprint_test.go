package fingerprint

import "testing"

func TestComputeDeterministic(t *testing.T) {
	in := Input{Source: "ios", ErrorType: "NetworkError", Message: "Connection timed out after 5000ms"}
	a := Compute(in)
	b := Compute(in)
	if a != b {
		t.Fatalf("P1 violated: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %q (%d)", a, len(a))
	}
}

func TestComputeNumberInvariance(t *testing.T) {
	a := Compute(Input{Source: "ios", ErrorType: "Timeout", Message: "Timeout after 5000ms"})
	b := Compute(Input{Source: "ios", ErrorType: "Timeout", Message: "Timeout after 3000ms"})
	if a != b {
		t.Fatalf("P2 violated: fingerprints differ for messages differing only in digits: %q != %q", a, b)
	}
}

func TestComputeUUIDAndIPNormalization(t *testing.T) {
	a := Compute(Input{Source: "api", ErrorType: "DBError", Message: "user 123e4567-e89b-12d3-a456-426614174000 failed from 10.0.0.1"})
	b := Compute(Input{Source: "api", ErrorType: "DBError", Message: "user 00000000-0000-0000-0000-000000000000 failed from 192.168.1.1"})
	if a != b {
		t.Fatalf("expected UUID/IP normalization to collapse fingerprints: %q != %q", a, b)
	}
}

func TestComputeDistinctErrorTypesDiffer(t *testing.T) {
	a := Compute(Input{Source: "ios", ErrorType: "NetworkError", Message: "boom"})
	b := Compute(Input{Source: "ios", ErrorType: "ParseError", Message: "boom"})
	if a == b {
		t.Fatalf("expected distinct error types to produce distinct fingerprints")
	}
}

func TestTopInterestingFrameSkipsDenylistedFrames(t *testing.T) {
	stack := "at node_modules/foo/bar.js:12:4\nat UIKitCore internal\nat MyApp.handleTap(MyApp.swift:42)"
	got := topInterestingFrame(stack)
	want := "at MyApp.handleTap(MyApp.swift)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTopInterestingFrameStripsLineSuffix(t *testing.T) {
	got := topInterestingFrame("MyModule.process line 88")
	if got != "MyModule.process" {
		t.Fatalf("expected trailing ' line 88' stripped, got %q", got)
	}
}

func TestTopInterestingFrameEmptyStack(t *testing.T) {
	if got := topInterestingFrame(""); got != "" {
		t.Fatalf("expected empty string for empty stack, got %q", got)
	}
}

func TestTopInterestingFrameAllDenylisted(t *testing.T) {
	stack := "node_modules/a.js:1:1\ncom.apple.foundation.Bar"
	if got := topInterestingFrame(stack); got != "" {
		t.Fatalf("expected empty string when every frame is denylisted, got %q", got)
	}
}

func TestComputeRouteDistinguishes(t *testing.T) {
	a := Compute(Input{Source: "api", ErrorType: "E", Route: "/v1/a", Message: "m"})
	b := Compute(Input{Source: "api", ErrorType: "E", Route: "/v1/b", Message: "m"})
	if a == b {
		t.Fatalf("expected distinct routes to produce distinct fingerprints")
	}
}
