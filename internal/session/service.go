package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"classlive/internal/cache"
	"classlive/internal/metrics"
	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// flushWriteTimeout bounds each background flush write; a wedged store
// must not stall the flush loop forever.
const flushWriteTimeout = 5 * time.Second

// Manager composes the write-back cache with a backing store into the
// public session API. All session state flows through here; no other
// component holds a long-lived session reference.
type Manager struct {
	store interfaces.BackingStore
	cache *cache.Store
	ttl   time.Duration

	normalizerMu sync.RWMutex
	normalizers  map[string]interfaces.Normalizer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the service and starts its background flush loop.
func NewManager(store interfaces.BackingStore, sessionTTL, cacheTTL, flushInterval time.Duration, cacheSize int) *Manager {
	m := &Manager{
		store:       store,
		cache:       cache.New(cacheTTL, cacheSize),
		ttl:         sessionTTL,
		normalizers: make(map[string]interfaces.Normalizer),
		done:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.flushLoop(flushInterval)
	return m
}

var _ interfaces.SessionService = (*Manager)(nil)

// RegisterNormalizer installs the shape hook for an activity type.
// Called once per activity at startup, before any traffic; there is no
// un-register.
func (m *Manager) RegisterNormalizer(activityType string, fn interfaces.Normalizer) {
	m.normalizerMu.Lock()
	defer m.normalizerMu.Unlock()
	m.normalizers[activityType] = fn
}

func (m *Manager) normalize(session *types.Session) *types.Session {
	if session == nil {
		return nil
	}
	if session.Data == nil {
		session.Data = make(map[string]interface{})
	}

	m.normalizerMu.RLock()
	fn := m.normalizers[session.Type]
	m.normalizerMu.RUnlock()

	if fn != nil {
		fn(session)
	}
	return session
}

// Get returns the session or nil when absent. Store connectivity errors
// degrade to not-found: a temporarily unreachable session behaves like a
// missing one, and every activity route already handles that.
func (m *Manager) Get(ctx context.Context, id string) (*types.Session, error) {
	fetch := func() (*types.Session, error) {
		session, err := m.store.GetSession(ctx, id)
		if err != nil {
			log.Printf("Store get failed for session %s, degrading to not-found: %v", id, err)
			return nil, nil
		}
		return session, nil
	}

	session, fromCache, err := m.cache.Get(id, fetch)
	if err != nil {
		return nil, err
	}
	if fromCache {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}
	return m.normalize(session), nil
}

// Set writes through to the backing store immediately and refreshes the
// cache as non-dirty. A ttl of 0 means the configured default.
func (m *Manager) Set(ctx context.Context, session *types.Session, ttl time.Duration) error {
	if session == nil {
		return ErrNilSession
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.normalize(session)

	if err := m.store.SetSession(ctx, session, ttl); err != nil {
		return err
	}
	m.writeEvicted(m.cache.Set(session.ID, session, false))
	return nil
}

// Delete removes the session from cache and store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.cache.Invalidate(id)
	return m.store.DeleteSession(ctx, id)
}

// Touch refreshes lastActivity. Cache-resident ids update the cache only
// and rely on the flush loop; a cold miss touches the store
// synchronously so a just-created session never misses its first TTL
// renewal.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if m.cache.Touch(id) {
		return nil
	}
	err := m.store.TouchSession(ctx, id, time.Now().UnixMilli(), m.ttl)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return interfaces.ErrSessionNotFound
	}
	if err != nil {
		log.Printf("Store touch failed for session %s: %v", id, err)
		return interfaces.ErrSessionNotFound
	}
	return nil
}

// GetAll lists every live session. Expensive on the Valkey backend; the
// dashboard is its only caller. Store errors degrade to an empty list.
func (m *Manager) GetAll(ctx context.Context) ([]*types.Session, error) {
	sessions, err := m.store.GetAllSessions(ctx)
	if err != nil {
		log.Printf("Store list failed, degrading to empty: %v", err)
		return nil, nil
	}
	for _, session := range sessions {
		m.normalize(session)
	}
	return sessions, nil
}

// CreateSession generates a collision-checked id and writes through
// immediately: creation must be visible to a concurrent read, so it is
// never deferred. Id length grows after repeated collisions.
func (m *Manager) CreateSession(ctx context.Context, activityType string, data map[string]interface{}) (*types.Session, error) {
	if data == nil {
		data = make(map[string]interface{})
	}

	length := initialIDLength
	collisions := 0
	var id string
	for {
		candidate, err := generateID(length)
		if err != nil {
			return nil, err
		}
		existing, err := m.store.GetSession(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if existing == nil && !m.cache.Has(candidate) {
			id = candidate
			break
		}

		collisions++
		if collisions%collisionsPerLength == 0 {
			length++
			if length > maxIDLength {
				return nil, ErrIDSpaceExhausted
			}
		}
	}

	now := time.Now().UnixMilli()
	session := &types.Session{
		ID:           id,
		Type:         activityType,
		Created:      now,
		LastActivity: now,
		Data:         data,
	}
	m.normalize(session)

	if err := m.store.SetSession(ctx, session, m.ttl); err != nil {
		return nil, err
	}
	m.writeEvicted(m.cache.Set(id, session, false))

	metrics.SessionsCreated.Inc()
	log.Printf("Created session: id=%s type=%s", id, activityType)
	return session, nil
}

// FlushSession force-writes a deferred touch for one session before a
// caller-visible response depends on it.
func (m *Manager) FlushSession(ctx context.Context, id string) error {
	return m.cache.FlushOne(id, func(id string, session *types.Session) error {
		return m.store.SetSession(ctx, session, m.ttl)
	})
}

func (m *Manager) PublishBroadcast(ctx context.Context, channel string, payload []byte) error {
	return m.store.PublishBroadcast(ctx, channel, payload)
}

func (m *Manager) SubscribeBroadcast(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	return m.store.SubscribeBroadcast(ctx, channel)
}

// Shutdown stops the flush loop and drains dirty entries to the store.
// Runs before the backing store closes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()

	errs := m.cache.FlushTouches(func(id string, session *types.Session) error {
		return m.store.SetSession(ctx, session, m.ttl)
	})
	for _, err := range errs {
		log.Printf("Shutdown flush error: %v", err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// flushLoop batches deferred touches to the store on a fixed interval.
// A failed flush stays dirty and retries next tick; there is no
// immediate retry.
func (m *Manager) flushLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushOnce()
			m.cache.Cleanup()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) flushOnce() {
	flushed := 0
	errs := m.cache.FlushTouches(func(id string, session *types.Session) error {
		ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
		defer cancel()
		if err := m.store.SetSession(ctx, session, m.ttl); err != nil {
			return err
		}
		flushed++
		return nil
	})
	if flushed > 0 {
		metrics.CacheFlushes.Add(float64(flushed))
	}
	for _, err := range errs {
		log.Printf("Flush error (will retry next interval): %v", err)
	}
}

// writeEvicted best-effort persists a dirty entry pushed out by cache
// capacity pressure, so its deferred touch is not silently lost.
func (m *Manager) writeEvicted(evicted *cache.Evicted) {
	if evicted == nil || !evicted.Dirty {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
		defer cancel()
		if err := m.store.SetSession(ctx, evicted.Session, m.ttl); err != nil {
			log.Printf("Failed to write evicted session %s: %v", evicted.ID, err)
		}
	}()
}
