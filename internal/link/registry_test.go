package link

import (
	"context"
	"testing"
	"time"

	"classlive/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	backing := store.NewMemoryStore(0)
	r := NewRegistry(backing, Options{
		Secret:          testSecret,
		IdleWindow:      10 * time.Minute,
		StartedTTL:      time.Hour,
		CleanupInterval: time.Hour,
		RateLimitMax:    5,
		RateLimitWindow: time.Minute,
	})
	t.Cleanup(func() {
		r.Close()
		_ = backing.Close()
	})
	return r
}

func mintHash(t *testing.T, r *Registry) string {
	t.Helper()
	generated, err := r.GenerateHash("quiz", "my-code")
	if err != nil {
		t.Fatalf("GenerateHash failed: %v", err)
	}
	return generated.Hash
}

func TestGetOrCreateLinkIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	hash := mintHash(t, r)

	first, err := r.GetOrCreateLink(ctx, hash, "quiz", "digest1")
	if err != nil {
		t.Fatalf("GetOrCreateLink failed: %v", err)
	}
	if first.ActivityName != "quiz" || first.HashedTeacherCode != "digest1" {
		t.Fatalf("Wrong record: %+v", first)
	}

	// A later contact without the code keeps the original record.
	second, err := r.GetOrCreateLink(ctx, hash, "quiz", "")
	if err != nil {
		t.Fatalf("GetOrCreateLink failed: %v", err)
	}
	if second.HashedTeacherCode != "digest1" {
		t.Errorf("hashedTeacherCode lost on repeat contact: %+v", second)
	}
	if r.TrackedCount() != 1 {
		t.Errorf("Expected 1 tracked link, got %d", r.TrackedCount())
	}
}

func TestGetOrCreateLinkValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.GetOrCreateLink(ctx, "not-a-hash", "quiz", ""); err == nil {
		t.Error("Malformed hash accepted")
	}
	if _, err := r.GetOrCreateLink(ctx, mintHash(t, r), "bad name!", ""); err == nil {
		t.Error("Malformed activity name accepted")
	}
}

func TestStartSessionExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	hash := mintHash(t, r)

	if _, err := r.GetOrCreateLink(ctx, hash, "quiz", ""); err != nil {
		t.Fatalf("GetOrCreateLink failed: %v", err)
	}

	link, won, err := r.StartSession(ctx, hash, "sess01", "sock1")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if !won || link.SessionID != "sess01" {
		t.Fatalf("First start should win: won=%v link=%+v", won, link)
	}

	link, won, err = r.StartSession(ctx, hash, "sess02", "sock2")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if won {
		t.Error("Second start must lose")
	}
	if link.SessionID != "sess01" {
		t.Errorf("Loser must learn the winner's session, got %s", link.SessionID)
	}
}

func TestResetLinkNotifiesWaiters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	hash := mintHash(t, r)

	notified := ""
	r.SetResetNotifier(func(h string) { notified = h })

	if _, err := r.GetOrCreateLink(ctx, hash, "quiz", ""); err != nil {
		t.Fatalf("GetOrCreateLink failed: %v", err)
	}
	if _, _, err := r.StartSession(ctx, hash, "sess01", "sock1"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := r.ResetLink(ctx, hash); err != nil {
		t.Fatalf("ResetLink failed: %v", err)
	}
	if notified != hash {
		t.Errorf("Reset notifier not invoked, got %q", notified)
	}

	link, err := r.GetLink(ctx, hash)
	if err != nil || link == nil {
		t.Fatalf("GetLink failed: %v", err)
	}
	if link.Started() {
		t.Error("Link still bound after reset")
	}
}

func TestResetLinkForSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	hash := mintHash(t, r)

	if _, err := r.GetOrCreateLink(ctx, hash, "quiz", ""); err != nil {
		t.Fatalf("GetOrCreateLink failed: %v", err)
	}
	if _, _, err := r.StartSession(ctx, hash, "sess01", "sock1"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	got, err := r.ResetLinkForSession(ctx, "sess01")
	if err != nil {
		t.Fatalf("ResetLinkForSession failed: %v", err)
	}
	if got != hash {
		t.Errorf("Expected hash %s, got %s", hash, got)
	}

	// Unknown sessions reset nothing.
	got, err = r.ResetLinkForSession(ctx, "nope")
	if err != nil || got != "" {
		t.Errorf("Expected no-op, got hash=%q err=%v", got, err)
	}
}

func TestTeacherCodeRateLimit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	hash := mintHash(t, r)

	for i := 0; i < 5; i++ {
		allowed, err := r.CanAttemptTeacherCode(ctx, "1.2.3.4", hash)
		if err != nil {
			t.Fatalf("CanAttemptTeacherCode failed: %v", err)
		}
		if !allowed {
			t.Fatalf("Attempt %d should be allowed", i+1)
		}
		if err := r.RecordTeacherCodeAttempt(ctx, "1.2.3.4", hash); err != nil {
			t.Fatalf("RecordTeacherCodeAttempt failed: %v", err)
		}
	}

	allowed, err := r.CanAttemptTeacherCode(ctx, "1.2.3.4", hash)
	if err != nil {
		t.Fatalf("CanAttemptTeacherCode failed: %v", err)
	}
	if allowed {
		t.Error("Sixth attempt within the window should be rejected")
	}

	// The limit is per client; another address is unaffected.
	allowed, err = r.CanAttemptTeacherCode(ctx, "5.6.7.8", hash)
	if err != nil || !allowed {
		t.Errorf("Different client should be allowed: allowed=%v err=%v", allowed, err)
	}
}
