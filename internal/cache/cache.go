package cache

import (
	"sync"
	"time"

	"classlive/pkg/types"
)

// Entry wraps a cached session with its freshness and write-back state.
// An entry with dirty=false is consistent with the backing store as of
// Timestamp; dirty entries are queued for the next flush.
type Entry struct {
	Session   *types.Session
	Timestamp time.Time
	dirty     bool
	// version detects touches that race a flush in progress, so a
	// successful write never clears a newer mutation's dirty flag.
	version uint64
}

// Evicted describes an entry pushed out by capacity pressure. The owner
// decides whether to write it through.
type Evicted struct {
	ID      string
	Session *types.Session
	Dirty   bool
}

// Store is a write-back cache keyed by session id with oldest-first
// eviction. Recency is marked by delete+reinsert in the order list on
// every hit and touch, so the head of the list is always the least
// recently touched id. The lock is never held across a fetch or flush
// write; those are network round trips.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given entry TTL and capacity.
func New(ttl time.Duration, maxSize int) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns a fresh cache hit, or delegates to fetch and repopulates
// the cache as non-dirty (the fetch already reflects store truth). A
// fetch miss purges any stale entry. fetch may be nil to probe the cache
// only. The boolean reports whether the result came from the cache.
//
// Hits return a clone: the cached session keeps getting mutated by
// Touch, so handing out the cache's own pointer would race every reader
// that serializes it.
func (s *Store) Get(id string, fetch func() (*types.Session, error)) (*types.Session, bool, error) {
	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		if s.now().Sub(entry.Timestamp) < s.ttl {
			s.markRecent(id)
			session := entry.Session.Clone()
			s.mu.Unlock()
			return session, true, nil
		}
	}
	s.mu.Unlock()

	if fetch == nil {
		return nil, false, nil
	}

	session, err := fetch()
	if err != nil {
		return nil, false, err
	}
	if session == nil {
		s.Invalidate(id)
		return nil, false, nil
	}

	s.Set(id, session, false)
	return session, false, nil
}

// Has reports whether the id is cache-resident, fresh or not.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Set inserts or updates an entry. The cache stores its own clone so
// callers keep exclusive ownership of the session they passed in.
// Inserting a new id at capacity evicts the least-recently-touched
// entry, which is returned so the caller can flush it if it carried an
// unwritten touch.
func (s *Store) Set(id string, session *types.Session, dirty bool) *Evicted {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		entry.Session = session.Clone()
		entry.Timestamp = s.now()
		entry.dirty = dirty
		entry.version++
		s.markRecent(id)
		return nil
	}

	var evicted *Evicted
	if len(s.entries) >= s.maxSize && len(s.order) > 0 {
		oldest := s.order[0]
		if old, ok := s.entries[oldest]; ok {
			evicted = &Evicted{ID: oldest, Session: old.Session, Dirty: old.dirty}
		}
		s.removeLocked(oldest)
	}

	s.entries[id] = &Entry{Session: session.Clone(), Timestamp: s.now(), dirty: dirty, version: 1}
	s.order = append(s.order, id)
	return evicted
}

// Touch updates lastActivity in the cache only and marks the entry
// dirty. Returns false on a cache miss so the caller can fall through to
// a synchronous store touch.
func (s *Store) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	entry.Session.LastActivity = s.now().UnixMilli()
	entry.dirty = true
	entry.version++
	s.markRecent(id)
	return true
}

// Invalidate drops the entry regardless of dirty state.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// FlushTouches writes every dirty entry through writeFn with settle-all
// semantics: one failed write neither aborts the batch nor clears that
// entry's dirty flag, so it retries on the next interval. Returns the
// errors that occurred.
func (s *Store) FlushTouches(writeFn func(id string, session *types.Session) error) []error {
	type pending struct {
		id      string
		session *types.Session
		version uint64
	}

	// Snapshots, not live pointers: writeFn serializes outside the lock
	// and must not observe a touch landing mid-write.
	s.mu.Lock()
	var queue []pending
	for id, entry := range s.entries {
		if entry.dirty {
			queue = append(queue, pending{id: id, session: entry.Session.Clone(), version: entry.version})
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range queue {
		if err := writeFn(p.id, p.session); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		if entry, ok := s.entries[p.id]; ok && entry.version == p.version {
			entry.dirty = false
		}
		s.mu.Unlock()
	}
	return errs
}

// FlushOne is the forced-consistency escape hatch for critical writes:
// it synchronously writes a single dirty entry and clears its flag. A
// clean or absent id is a no-op.
func (s *Store) FlushOne(id string, writeFn func(id string, session *types.Session) error) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok || !entry.dirty {
		s.mu.Unlock()
		return nil
	}
	session := entry.Session.Clone()
	version := entry.version
	s.mu.Unlock()

	if err := writeFn(id, session); err != nil {
		return err
	}

	s.mu.Lock()
	if entry, ok := s.entries[id]; ok && entry.version == version {
		entry.dirty = false
	}
	s.mu.Unlock()
	return nil
}

// Cleanup drops expired non-dirty entries. Dirty entries survive until
// flushed; dropping them would lose touches.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, entry := range s.entries {
		if !entry.dirty && now.Sub(entry.Timestamp) >= s.ttl {
			s.removeLocked(id)
		}
	}
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DirtyCount returns the number of entries queued for flush.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, entry := range s.entries {
		if entry.dirty {
			n++
		}
	}
	return n
}

func (s *Store) markRecent(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, id)
}

func (s *Store) removeLocked(id string) {
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
