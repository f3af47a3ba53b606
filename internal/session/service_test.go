package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"classlive/internal/store"
	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// hookedStore wraps the in-memory backing store so individual calls can
// be intercepted or counted.
type hookedStore struct {
	interfaces.BackingStore

	mu          sync.Mutex
	getCalls    int
	setCalls    int
	touchCalls  int
	getOverride func(ctx context.Context, id string) (*types.Session, error)
}

func (h *hookedStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	h.mu.Lock()
	h.getCalls++
	override := h.getOverride
	h.mu.Unlock()

	if override != nil {
		return override(ctx, id)
	}
	return h.BackingStore.GetSession(ctx, id)
}

func (h *hookedStore) SetSession(ctx context.Context, session *types.Session, ttl time.Duration) error {
	h.mu.Lock()
	h.setCalls++
	h.mu.Unlock()
	return h.BackingStore.SetSession(ctx, session, ttl)
}

func (h *hookedStore) TouchSession(ctx context.Context, id string, lastActivity int64, ttl time.Duration) error {
	h.mu.Lock()
	h.touchCalls++
	h.mu.Unlock()
	return h.BackingStore.TouchSession(ctx, id, lastActivity, ttl)
}

func (h *hookedStore) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getCalls, h.setCalls, h.touchCalls
}

func newTestManager(t *testing.T) (*Manager, *hookedStore) {
	t.Helper()
	backing := store.NewMemoryStore(0)
	hooked := &hookedStore{BackingStore: backing}
	// A long flush interval keeps the background loop out of the way;
	// tests drive flushes explicitly.
	m := NewManager(hooked, time.Hour, 30*time.Second, time.Hour, 100)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		_ = backing.Close()
	})
	return m, hooked
}

func TestCreateSessionVisibleImmediately(t *testing.T) {
	m, hooked := newTestManager(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "quiz", map[string]interface{}{"q": 1})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(session.ID) != initialIDLength {
		t.Errorf("Expected %d-character id, got %q", initialIDLength, session.ID)
	}
	if !types.IsValidSessionID(session.ID) {
		t.Errorf("Generated id %q is not valid", session.ID)
	}
	if session.Created == 0 || session.LastActivity == 0 {
		t.Error("Timestamps not set on creation")
	}

	// Creation writes through; the store must already have it.
	stored, err := hooked.BackingStore.GetSession(ctx, session.ID)
	if err != nil || stored == nil {
		t.Fatalf("Created session missing from store: %v", err)
	}
}

func TestCreateSessionNilDataNormalized(t *testing.T) {
	m, _ := newTestManager(t)

	session, err := m.CreateSession(context.Background(), "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Data == nil {
		t.Error("Data should never be nil")
	}
}

func TestCreateSessionGrowsIDOnCollisions(t *testing.T) {
	m, hooked := newTestManager(t)
	ctx := context.Background()

	// Force collisions on the first collisionsPerLength candidates so
	// the generator has to grow the id once.
	calls := 0
	hooked.getOverride = func(ctx context.Context, id string) (*types.Session, error) {
		calls++
		if calls <= collisionsPerLength {
			return &types.Session{ID: id}, nil
		}
		return nil, nil
	}

	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(session.ID) != initialIDLength+1 {
		t.Errorf("Expected id length %d after collisions, got %d", initialIDLength+1, len(session.ID))
	}
}

func TestGetUsesCache(t *testing.T) {
	m, hooked := newTestManager(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	getsBefore, _, _ := hooked.counts()

	for i := 0; i < 3; i++ {
		got, err := m.Get(ctx, session.ID)
		if err != nil || got == nil {
			t.Fatalf("Get failed: %v", err)
		}
	}

	getsAfter, _, _ := hooked.counts()
	if getsAfter != getsBefore {
		t.Errorf("Cache-resident reads hit the store %d times", getsAfter-getsBefore)
	}
}

func TestGetDegradesStoreErrorToNotFound(t *testing.T) {
	m, hooked := newTestManager(t)
	hooked.getOverride = func(ctx context.Context, id string) (*types.Session, error) {
		return nil, errors.New("connection refused")
	}

	session, err := m.Get(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Store errors must degrade, got %v", err)
	}
	if session != nil {
		t.Errorf("Expected nil session, got %+v", session)
	}
}

func TestTouchIsDeferredForCachedSessions(t *testing.T) {
	m, hooked := newTestManager(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	_, setsBefore, _ := hooked.counts()

	if err := m.Touch(ctx, session.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	_, setsAfter, touches := hooked.counts()
	if setsAfter != setsBefore || touches != 0 {
		t.Error("Cache-resident touch must not hit the store synchronously")
	}

	// FlushSession forces the deferred write through.
	if err := m.FlushSession(ctx, session.ID); err != nil {
		t.Fatalf("FlushSession failed: %v", err)
	}
	_, setsFlushed, _ := hooked.counts()
	if setsFlushed != setsBefore+1 {
		t.Errorf("Expected exactly one flush write, got %d", setsFlushed-setsBefore)
	}
}

func TestTouchColdMissHitsStore(t *testing.T) {
	m, hooked := newTestManager(t)
	ctx := context.Background()

	// Session lives in the store but not the cache.
	if err := hooked.BackingStore.SetSession(ctx, &types.Session{ID: "abc123", LastActivity: 1}, time.Hour); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	if err := m.Touch(ctx, "abc123"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	_, _, touches := hooked.counts()
	if touches != 1 {
		t.Errorf("Cold touch should hit the store once, got %d", touches)
	}

	if err := m.Touch(ctx, "missing"); !errors.Is(err, interfaces.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestNormalizerApplied(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.RegisterNormalizer("quiz", func(s *types.Session) {
		if _, ok := s.Data["answers"]; !ok {
			s.Data["answers"] = []interface{}{}
		}
	})

	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, ok := session.Data["answers"]; !ok {
		t.Error("Normalizer not applied on creation")
	}

	got, err := m.Get(ctx, session.ID)
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, ok := got.Data["answers"]; !ok {
		t.Error("Normalizer not applied on read")
	}
}

func TestConcurrentReadAndTouch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.RegisterNormalizer("quiz", func(s *types.Session) {
		s.Data["answers"] = []interface{}{}
	})
	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Readers serialize the session while touches land on the cached
	// entry; each read must get its own copy for this to be safe.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, err := m.Get(ctx, session.ID)
				if err != nil || got == nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				if _, err := json.Marshal(got); err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := m.Touch(ctx, session.ID); err != nil {
					t.Errorf("Touch failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestSetNilSession(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Set(context.Background(), nil, 0); !errors.Is(err, ErrNilSession) {
		t.Errorf("Expected ErrNilSession, got %v", err)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := m.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := m.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("Deleted session still readable")
	}
}

func TestShutdownDrainsDirtyEntries(t *testing.T) {
	backing := store.NewMemoryStore(0)
	defer backing.Close()
	hooked := &hookedStore{BackingStore: backing}
	m := NewManager(hooked, time.Hour, 30*time.Second, time.Hour, 100)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "quiz", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := m.Touch(ctx, session.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	_, setsBefore, _ := hooked.counts()

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	_, setsAfter, _ := hooked.counts()
	if setsAfter != setsBefore+1 {
		t.Errorf("Shutdown should flush the dirty entry, writes=%d", setsAfter-setsBefore)
	}
}
