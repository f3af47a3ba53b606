package store

import (
	"context"
	"testing"
	"time"

	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

func testSession(id string) *types.Session {
	now := time.Now().UnixMilli()
	return &types.Session{ID: id, Type: "poll", Created: now, LastActivity: now, Data: map[string]interface{}{"q": "1"}}
}

func testLink(activity string) *types.PersistentLink {
	return &types.PersistentLink{ActivityName: activity, HashedTeacherCode: "deadbeef", CreatedAt: time.Now().UnixMilli()}
}

func TestMemorySessionRoundTrip(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	got, err := s.GetSession(ctx, "missing")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Error("Expected nil for a missing session")
	}

	if err := s.SetSession(ctx, testSession("abc123"), time.Hour); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.ID != "abc123" {
		t.Fatalf("Wrong session: %+v", got)
	}

	// Reads return copies; mutating one must not leak into the store.
	got.Data["q"] = "mutated"
	again, _ := s.GetSession(ctx, "abc123")
	if again.Data["q"] != "1" {
		t.Error("Store session was mutated through a read copy")
	}

	if err := s.DeleteSession(ctx, "abc123"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "abc123")
	if got != nil {
		t.Error("Deleted session still readable")
	}
}

func TestMemorySessionExpiry(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.SetSession(ctx, testSession("abc123"), time.Minute); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := s.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Error("Expired session still readable")
	}
	if err := s.TouchSession(ctx, "abc123", base.UnixMilli(), time.Minute); err != interfaces.ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound touching expired session, got %v", err)
	}
}

func TestMemoryTouchExtendsAndIsMonotonic(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	session := testSession("abc123")
	session.LastActivity = 1000
	if err := s.SetSession(ctx, session, time.Minute); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	// A touch carrying an older timestamp renews the TTL but never
	// rewinds lastActivity.
	s.now = func() time.Time { return base.Add(50 * time.Second) }
	if err := s.TouchSession(ctx, "abc123", 500, time.Minute); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	got, _ := s.GetSession(ctx, "abc123")
	if got == nil {
		t.Fatal("Touched session expired despite TTL renewal")
	}
	if got.LastActivity != 1000 {
		t.Errorf("lastActivity rewound to %d", got.LastActivity)
	}
}

func TestMemoryLinkPutIfAbsent(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	first, err := s.PutLinkIfAbsent(ctx, "aabbccddee0011223344", testLink("quiz"), time.Minute)
	if err != nil {
		t.Fatalf("PutLinkIfAbsent failed: %v", err)
	}
	if first.ActivityName != "quiz" {
		t.Fatalf("Wrong stored record: %+v", first)
	}

	// Second put loses; the first record is returned.
	second, err := s.PutLinkIfAbsent(ctx, "aabbccddee0011223344", testLink("poll"), time.Minute)
	if err != nil {
		t.Fatalf("PutLinkIfAbsent failed: %v", err)
	}
	if second.ActivityName != "quiz" {
		t.Errorf("Existing record was overwritten: %+v", second)
	}
}

func TestMemoryBindLinkSessionExactlyOnce(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	hash := "aabbccddee0011223344"

	if _, _, err := s.BindLinkSession(ctx, hash, "sess01", "sock1", time.Minute); err != interfaces.ErrLinkNotFound {
		t.Errorf("Expected ErrLinkNotFound for unknown hash, got %v", err)
	}

	if _, err := s.PutLinkIfAbsent(ctx, hash, testLink("quiz"), time.Minute); err != nil {
		t.Fatalf("PutLinkIfAbsent failed: %v", err)
	}

	link, won, err := s.BindLinkSession(ctx, hash, "sess01", "sock1", time.Minute)
	if err != nil {
		t.Fatalf("BindLinkSession failed: %v", err)
	}
	if !won || link.SessionID != "sess01" {
		t.Fatalf("First bind should win: won=%v link=%+v", won, link)
	}

	link, won, err = s.BindLinkSession(ctx, hash, "sess02", "sock2", time.Minute)
	if err != nil {
		t.Fatalf("BindLinkSession failed: %v", err)
	}
	if won {
		t.Error("Second bind must lose")
	}
	if link.SessionID != "sess01" {
		t.Errorf("Loser must see the winner's session, got %s", link.SessionID)
	}

	// After reset the hash can be bound again.
	if err := s.ResetLink(ctx, hash, time.Minute); err != nil {
		t.Fatalf("ResetLink failed: %v", err)
	}
	_, won, err = s.BindLinkSession(ctx, hash, "sess03", "sock3", time.Minute)
	if err != nil || !won {
		t.Errorf("Bind after reset should win: won=%v err=%v", won, err)
	}
}

func TestMemoryAttemptWindow(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	count, err := s.CountAttempts(ctx, "1.2.3.4:hash")
	if err != nil || count != 0 {
		t.Fatalf("Fresh key should count 0, got %d err=%v", count, err)
	}

	for i := 1; i <= 5; i++ {
		count, err = s.RecordAttempt(ctx, "1.2.3.4:hash", time.Minute)
		if err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
		if count != int64(i) {
			t.Errorf("Expected count %d, got %d", i, count)
		}
	}

	// The window is fixed from the first attempt; after it passes the
	// counter starts over.
	s.now = func() time.Time { return base.Add(61 * time.Second) }
	count, _ = s.CountAttempts(ctx, "1.2.3.4:hash")
	if count != 0 {
		t.Errorf("Expired window should count 0, got %d", count)
	}
	count, _ = s.RecordAttempt(ctx, "1.2.3.4:hash", time.Minute)
	if count != 1 {
		t.Errorf("New window should start at 1, got %d", count)
	}
}

func TestMemoryBroadcast(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	ch, cancel, err := s.SubscribeBroadcast(ctx, "session:abc123:broadcast")
	if err != nil {
		t.Fatalf("SubscribeBroadcast failed: %v", err)
	}

	if err := s.PublishBroadcast(ctx, "session:abc123:broadcast", []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("PublishBroadcast failed: %v", err)
	}
	select {
	case payload := <-ch:
		if string(payload) != `{"type":"ping"}` {
			t.Errorf("Wrong payload: %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for broadcast")
	}

	// Unsubscribed channels receive nothing further.
	cancel()
	if _, ok := <-ch; ok {
		t.Error("Cancel should close the subscriber channel")
	}

	// Publishing to a channel with no subscribers is not an error.
	if err := s.PublishBroadcast(ctx, "session:abc123:broadcast", []byte("x")); err != nil {
		t.Errorf("Publish without subscribers failed: %v", err)
	}
}

func TestMemoryCloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	ch, cancel, err := s.SubscribeBroadcast(ctx, "c")
	if err != nil {
		t.Fatalf("SubscribeBroadcast failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
	// Cancel after close must not panic on the already-closed channel.
	cancel()
	if _, ok := <-ch; ok {
		t.Error("Subscriber channel should be closed after store close")
	}

	if _, err := s.GetSession(ctx, "abc123"); err != interfaces.ErrStoreClosed {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
}

func TestMemoryCleanupReapsExpired(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	_ = s.SetSession(ctx, testSession("old"), time.Minute)
	_ = s.SetSession(ctx, testSession("new"), time.Hour)
	_, _ = s.PutLinkIfAbsent(ctx, "aabbccddee0011223344", testLink("quiz"), time.Minute)

	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	if err := s.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	ids, _ := s.GetAllSessionIDs(ctx)
	if len(ids) != 1 || ids[0] != "new" {
		t.Errorf("Expected only the unexpired session, got %v", ids)
	}
	hashes, _ := s.GetAllLinkHashes(ctx)
	if len(hashes) != 0 {
		t.Errorf("Expected expired link reaped, got %v", hashes)
	}
}
