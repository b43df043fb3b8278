package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("make me a lofi beat")
	if changed || out != "make me a lofi beat" {
		t.Fatalf("RedactPII() = %q, %v; want input unchanged", out, changed)
	}
}

func TestLogSafeTruncates(t *testing.T) {
	got := LogSafe("write to me at a@b.io about the song", 20)
	if strings.Contains(got, "a@b.io") {
		t.Fatalf("LogSafe() leaked email: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("LogSafe() = %q, want truncation marker", got)
	}
}
