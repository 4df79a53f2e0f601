package observability

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

	out, _ = RedactPII("https://calls.example/room?token=abc123&x=1")
	if strings.Contains(out, "abc123") || !strings.Contains(out, "token=[REDACTED]") {
		t.Fatalf("token not redacted: %q", out)
	}

	if _, changed := RedactPII("hello there"); changed {
		t.Fatalf("plain text reported as changed")
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("héllo world", 5); got != "héllo..." {
		t.Fatalf("Excerpt() = %q", got)
	}
	if got := Excerpt("short", 10); got != "short" {
		t.Fatalf("Excerpt() = %q", got)
	}
	if got := Excerpt("mail sam@example.com", 0); got != "mail [REDACTED_EMAIL]" {
		t.Fatalf("Excerpt() = %q", got)
	}
}
