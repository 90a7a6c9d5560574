package llmtransport

import "testing"

func TestExtractLargestBraceBlock(t *testing.T) {
	in := "prose before { \"a\": { \"b\": 1 } } prose after"
	out, ok := extractLargestBraceBlock(in)
	if !ok {
		t.Fatal("expected a block to be found")
	}
	want := `{ "a": { "b": 1 } }`
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestExtractLargestBraceBlock_IgnoresBracesInStrings(t *testing.T) {
	in := `{"note": "use { and } carefully"}`
	out, ok := extractLargestBraceBlock(in)
	if !ok {
		t.Fatal("expected a block to be found")
	}
	if out != in {
		t.Fatalf("got %q, want %q", out, in)
	}
}

func TestStripTrailingCommas(t *testing.T) {
	in := `{"a": 1, "b": [1, 2,], }`
	out := stripTrailingCommas(in)
	if out != `{"a": 1, "b": [1, 2] }` {
		t.Fatalf("unexpected result: %q", out)
	}
}

func TestEscapeRawControlChars(t *testing.T) {
	in := "{\"note\": \"line one\nline two\"}"
	out := escapeRawControlChars(in)
	want := `{"note": "line one\nline two"}`
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}
