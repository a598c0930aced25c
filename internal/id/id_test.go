package id

import "testing"

func TestNewIsUniqueAndKeySafe(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		v := New()
		if len(v) != 32 {
			t.Fatalf("expected 32 hex chars, got %q", v)
		}
		for _, r := range v {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
				t.Fatalf("unexpected rune %q in %s", r, v)
			}
		}
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate id %s", v)
		}
		seen[v] = struct{}{}
	}
}
