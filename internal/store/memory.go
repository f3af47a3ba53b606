package store

import (
	"context"
	"log"
	"sync"
	"time"

	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// memoryRecord tracks a session together with its expiry deadline, since
// there is no server-side TTL to lean on in-process.
type memoryRecord struct {
	session   *types.Session
	expiresAt time.Time
	ttl       time.Duration
}

type linkRecord struct {
	link      *types.PersistentLink
	expiresAt time.Time
}

// attemptWindow is a fixed rate-limit window, the same shape the
// teacher-code limiter needs: count within a window started at the first
// recorded attempt.
type attemptWindow struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// subscriberBufferSize bounds each broadcast subscriber's queue. A full
// queue drops the message for that subscriber instead of blocking the
// publisher.
const subscriberBufferSize = 64

type memorySubscriber struct {
	ch chan []byte
}

// MemoryStore is the single-process backing store: plain maps behind a
// mutex, a janitor ticker for TTL reaping, and process-local broadcast
// fan-out. It is the backend selected when VALKEY_URL is unset.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	links    map[string]*linkRecord
	attempts map[string]*attemptWindow
	subs     map[string][]*memorySubscriber

	janitor *time.Ticker
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates the store and starts its janitor.
func NewMemoryStore(janitorInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*memoryRecord),
		links:    make(map[string]*linkRecord),
		attempts: make(map[string]*attemptWindow),
		subs:     make(map[string][]*memorySubscriber),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	if janitorInterval > 0 {
		s.janitor = time.NewTicker(janitorInterval)
		go s.janitorLoop()
	}
	return s
}

var _ interfaces.BackingStore = (*MemoryStore)(nil)

func (s *MemoryStore) janitorLoop() {
	for {
		select {
		case <-s.janitor.C:
			if err := s.Cleanup(context.Background()); err != nil {
				log.Printf("Memory store janitor error: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

// GetSession returns a copy of the stored session, or nil when absent or
// expired. Copies keep the store authoritative: callers mutate their own
// view and write back through SetSession.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	rec, ok := s.sessions[id]
	if !ok || s.now().After(rec.expiresAt) {
		return nil, nil
	}
	return rec.session.Clone(), nil
}

func (s *MemoryStore) SetSession(ctx context.Context, session *types.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	s.sessions[session.ID] = &memoryRecord{
		session:   session.Clone(),
		expiresAt: s.now().Add(ttl),
		ttl:       ttl,
	}
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	delete(s.sessions, id)
	return nil
}

// TouchSession refreshes lastActivity and the expiry deadline under the
// store lock, so concurrent touches cannot lose updates.
func (s *MemoryStore) TouchSession(ctx context.Context, id string, lastActivity int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	rec, ok := s.sessions[id]
	if !ok || s.now().After(rec.expiresAt) {
		return interfaces.ErrSessionNotFound
	}
	if lastActivity > rec.session.LastActivity {
		rec.session.LastActivity = lastActivity
	}
	rec.expiresAt = s.now().Add(ttl)
	rec.ttl = ttl
	return nil
}

func (s *MemoryStore) GetAllSessionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	now := s.now()
	ids := make([]string, 0, len(s.sessions))
	for id, rec := range s.sessions {
		if now.After(rec.expiresAt) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) GetAllSessions(ctx context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	now := s.now()
	sessions := make([]*types.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if now.After(rec.expiresAt) {
			continue
		}
		sessions = append(sessions, rec.session.Clone())
	}
	return sessions, nil
}

// Cleanup reaps expired sessions, links, and stale attempt windows.
func (s *MemoryStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	now := s.now()
	for id, rec := range s.sessions {
		if now.After(rec.expiresAt) {
			delete(s.sessions, id)
		}
	}
	for hash, rec := range s.links {
		if now.After(rec.expiresAt) {
			delete(s.links, hash)
		}
	}
	for key, w := range s.attempts {
		if now.Sub(w.windowStart) > w.window {
			delete(s.attempts, key)
		}
	}
	return nil
}

// Close stops the janitor and closes every subscriber channel.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.janitor != nil {
		s.janitor.Stop()
	}
	for channel, subs := range s.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(s.subs, channel)
	}
	return nil
}

// GetLink returns a copy of the link metadata, or nil when absent.
func (s *MemoryStore) GetLink(ctx context.Context, hash string) (*types.PersistentLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	rec, ok := s.links[hash]
	if !ok || s.now().After(rec.expiresAt) {
		return nil, nil
	}
	dup := *rec.link
	return &dup, nil
}

// PutLinkIfAbsent stores the record unless one exists; the existing
// record wins so the embedded hashedTeacherCode is never overwritten.
// Contact refreshes the idle expiry either way.
func (s *MemoryStore) PutLinkIfAbsent(ctx context.Context, hash string, link *types.PersistentLink, ttl time.Duration) (*types.PersistentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	now := s.now()
	if rec, ok := s.links[hash]; ok && !now.After(rec.expiresAt) {
		rec.expiresAt = now.Add(ttl)
		dup := *rec.link
		return &dup, nil
	}

	stored := *link
	s.links[hash] = &linkRecord{link: &stored, expiresAt: now.Add(ttl)}
	dup := stored
	return &dup, nil
}

// BindLinkSession is the check-and-set behind exactly-once session
// start. The mutex makes it atomic in-process; the Valkey backend uses a
// script for the cross-instance equivalent.
func (s *MemoryStore) BindLinkSession(ctx context.Context, hash, sessionID, socketID string, ttl time.Duration) (*types.PersistentLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, interfaces.ErrStoreClosed
	}
	rec, ok := s.links[hash]
	if !ok || s.now().After(rec.expiresAt) {
		return nil, false, interfaces.ErrLinkNotFound
	}
	if rec.link.Started() {
		dup := *rec.link
		return &dup, false, nil
	}

	rec.link.SessionID = sessionID
	rec.link.TeacherSocketID = socketID
	rec.expiresAt = s.now().Add(ttl)
	dup := *rec.link
	return &dup, true, nil
}

func (s *MemoryStore) ResetLink(ctx context.Context, hash string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	rec, ok := s.links[hash]
	if !ok {
		return interfaces.ErrLinkNotFound
	}
	rec.link.SessionID = ""
	rec.link.TeacherSocketID = ""
	rec.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) DeleteLink(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	delete(s.links, hash)
	return nil
}

func (s *MemoryStore) GetAllLinkHashes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	now := s.now()
	hashes := make([]string, 0, len(s.links))
	for hash, rec := range s.links {
		if now.After(rec.expiresAt) {
			continue
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (s *MemoryStore) CountAttempts(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, interfaces.ErrStoreClosed
	}
	w, ok := s.attempts[key]
	if !ok || s.now().Sub(w.windowStart) > w.window {
		return 0, nil
	}
	return w.count, nil
}

// RecordAttempt increments the window counter, starting a new window
// when none is live. Mirrors INCR-then-EXPIRE on the Valkey backend.
func (s *MemoryStore) RecordAttempt(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, interfaces.ErrStoreClosed
	}
	now := s.now()
	w, ok := s.attempts[key]
	if !ok || now.Sub(w.windowStart) > w.window {
		s.attempts[key] = &attemptWindow{count: 1, windowStart: now, window: window}
		return 1, nil
	}
	w.count++
	return w.count, nil
}

// PublishBroadcast fans out to local subscribers only; there is no other
// instance to reach without a shared backend.
func (s *MemoryStore) PublishBroadcast(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	for _, sub := range s.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Slow consumer; drop rather than block the publisher.
		}
	}
	return nil
}

func (s *MemoryStore) SubscribeBroadcast(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, interfaces.ErrStoreClosed
	}
	sub := &memorySubscriber{ch: make(chan []byte, subscriberBufferSize)}
	s.subs[channel] = append(s.subs[channel], sub)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return // Close already tore down every subscriber.
		}
		subs := s.subs[channel]
		for i, existing := range subs {
			if existing == sub {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		if len(s.subs[channel]) == 0 {
			delete(s.subs, channel)
		}
	}
	return sub.ch, cancel, nil
}
