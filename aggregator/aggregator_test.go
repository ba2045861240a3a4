package aggregator

import "testing"

func TestIncrementReportsNewOnce(t *testing.T) {
	a := New()
	if isNew := a.Increment("fp1", 100); !isNew {
		t.Fatal("expected first increment to report new")
	}
	if isNew := a.Increment("fp1", 200); isNew {
		t.Fatal("expected second increment to report not-new")
	}
	entry, ok := a.Get("fp1")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if entry.Count != 2 {
		t.Fatalf("expected count 2, got %d", entry.Count)
	}
	if entry.FirstSeenMs != 100 {
		t.Fatalf("expected first_seen 100, got %d", entry.FirstSeenMs)
	}
}

func TestGetMissing(t *testing.T) {
	a := New()
	if _, ok := a.Get("missing"); ok {
		t.Fatal("expected missing fingerprint to return ok=false")
	}
}

func TestLen(t *testing.T) {
	a := New()
	a.Increment("a", 0)
	a.Increment("b", 0)
	a.Increment("a", 0)
	if a.Len() != 2 {
		t.Fatalf("expected 2 distinct fingerprints, got %d", a.Len())
	}
}
