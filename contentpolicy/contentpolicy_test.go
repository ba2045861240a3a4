package contentpolicy

import "testing"

func TestParseStorageKnownValues(t *testing.T) {
	cases := map[string]Storage{
		"none":          StorageNone,
		"metadata_only": StorageMetadataOnly,
		"full":          StorageFull,
	}
	for raw, want := range cases {
		if got := ParseStorage(raw, StorageFull); got != want {
			t.Fatalf("ParseStorage(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParseStorageUnknownFallsBackToDefault(t *testing.T) {
	if got := ParseStorage("bogus", StorageMetadataOnly); got != StorageMetadataOnly {
		t.Fatalf("expected fallback to default, got %q", got)
	}
	if got := ParseStorage("", StorageNone); got != StorageNone {
		t.Fatalf("expected empty string to fall back to default, got %q", got)
	}
}

func TestStripFullLeavesEverythingIntact(t *testing.T) {
	in, out, meta := Strip(StorageFull, `{"a":1}`, `{"b":2}`, `{"c":3}`)
	if in != `{"a":1}` || out != `{"b":2}` || meta != `{"c":3}` {
		t.Fatalf("expected full policy to pass through untouched, got %q %q %q", in, out, meta)
	}
}

func TestStripMetadataOnlyBlanksInputOutput(t *testing.T) {
	in, out, meta := Strip(StorageMetadataOnly, `{"a":1}`, `{"b":2}`, `{"c":3}`)
	if in != "" || out != "" {
		t.Fatalf("expected input/output blanked, got %q %q", in, out)
	}
	if meta != `{"c":3}` {
		t.Fatalf("expected metadata retained, got %q", meta)
	}
}

func TestStripNoneBlanksEverything(t *testing.T) {
	in, out, meta := Strip(StorageNone, `{"a":1}`, `{"b":2}`, `{"c":3}`)
	if in != "" || out != "" || meta != "" {
		t.Fatalf("expected all fields blanked, got %q %q %q", in, out, meta)
	}
}
