package voice

import "testing"

func TestSegmenterCutsOnPunctuation(t *testing.T) {
	var s segmenter
	out := s.Push("We should ship this today. Then we can benchmark it.")
	if len(out) == 0 {
		t.Fatalf("Push() returned no chunks, want at least one")
	}
	if out[0] != "We should ship this today." {
		t.Fatalf("first chunk = %q, want %q", out[0], "We should ship this today.")
	}
}

func TestSegmenterFinalizeFlushesRemainder(t *testing.T) {
	var s segmenter
	if got := s.Push("Short text"); len(got) != 0 {
		t.Fatalf("Push(short) chunks = %d, want 0", len(got))
	}
	final := s.Finalize()
	if len(final) != 1 || final[0] != "Short text" {
		t.Fatalf("Finalize() = %q, want [Short text]", final)
	}
	if got := s.Finalize(); len(got) != 0 {
		t.Fatalf("second Finalize() = %q, want none", got)
	}
}

func TestSegmenterNormalizesWhitespace(t *testing.T) {
	var s segmenter
	out := s.Push("We   should    ship this   today, and   then validate.")
	if len(out) == 0 {
		t.Fatalf("Push() returned no chunks")
	}
	if out[0] != "We should ship this today," {
		t.Fatalf("first chunk = %q, want %q", out[0], "We should ship this today,")
	}
}

func TestSegmenterCutsLongRunOnWhitespace(t *testing.T) {
	var s segmenter
	out := s.Push("abcdefghij abcdefghij abcdefghij abcdefghij")
	if len(out) == 0 {
		t.Fatalf("Push() returned no chunks")
	}
	if out[0] != "abcdefghij abcdefghij abcdefghij" {
		t.Fatalf("first chunk = %q", out[0])
	}
}
