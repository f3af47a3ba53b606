package session

import "testing"

func TestGenerateIDLength(t *testing.T) {
	for _, length := range []int{1, 6, 7, 32} {
		id, err := generateID(length)
		if err != nil {
			t.Fatalf("generateID(%d) failed: %v", length, err)
		}
		if len(id) != length {
			t.Errorf("generateID(%d) returned %d characters", length, len(id))
		}
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
				t.Errorf("generateID(%d) returned non-hex character %q", length, r)
			}
		}
	}
}

func TestGenerateIDRejectsBadLengths(t *testing.T) {
	for _, length := range []int{0, -1, 33} {
		if _, err := generateID(length); err == nil {
			t.Errorf("generateID(%d) should fail", length)
		}
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := generateID(initialIDLength)
		if err != nil {
			t.Fatalf("generateID failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("Duplicate id %s within 100 draws", id)
		}
		seen[id] = true
	}
}
