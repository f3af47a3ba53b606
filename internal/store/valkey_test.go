package store

import "testing"

func TestKeyLayout(t *testing.T) {
	if got := SessionKey("abc123"); got != "session:abc123" {
		t.Errorf("SessionKey = %s", got)
	}
	if got := LinkKey("aabbccddee0011223344"); got != "persistent:aabbccddee0011223344" {
		t.Errorf("LinkKey = %s", got)
	}
	if got := AttemptKey("1.2.3.4", "aabb"); got != "attempts:1.2.3.4:aabb" {
		t.Errorf("AttemptKey = %s", got)
	}
	if got := SessionBroadcastChannel("abc123"); got != "session:abc123:broadcast" {
		t.Errorf("SessionBroadcastChannel = %s", got)
	}
}
