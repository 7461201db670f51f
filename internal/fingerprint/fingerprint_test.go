package fingerprint

import "testing"

func TestOfIsDeterministic(t *testing.T) {
	for _, s := range []string{"", "hello", "hello\nworld", "\n", "a\nb\nc"} {
		a := Of(s)
		b := Of(s)
		if a != b {
			t.Fatalf("Of(%q) not deterministic: %q != %q", s, a, b)
		}
	}
}

func TestOfEmptyIsZero(t *testing.T) {
	if got := Of(""); got != "0" {
		t.Fatalf("Of(\"\") = %q, want 0", got)
	}
}

func TestOfKnownValues(t *testing.T) {
	// h = 0; for 'a' (97): h = 0*31+97 = 97; 97 = 2*36+25 -> base36 "2p"
	if got := Of("a"); got != "2p" {
		t.Fatalf("Of(\"a\") = %q, want 2p", got)
	}
}

func TestOfDiffersForDifferentContent(t *testing.T) {
	if Of("a\nb\nc") == Of("a\nB\nc") {
		t.Fatalf("expected different fingerprints for different content")
	}
}
