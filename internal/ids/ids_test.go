package ids

import (
	"strings"
	"testing"
)

func TestNewIsUniqueAndDashless(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != 32 || strings.Contains(id, "-") {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed("conn")
	if !strings.HasPrefix(id, "conn_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("conn_")+32 {
		t.Fatalf("unexpected length: %q", id)
	}
}
