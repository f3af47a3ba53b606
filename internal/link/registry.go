package link

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// backend is the slice of the backing store the registry needs.
type backend interface {
	interfaces.LinkStore
	interfaces.AttemptCounter
}

// Options carries the registry's tuning knobs from config.
type Options struct {
	Secret          string
	IdleWindow      time.Duration
	StartedTTL      time.Duration
	CleanupInterval time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Registry manages persistent link metadata: stateless-verifiable
// hashes, the exactly-once waiting-to-started binding, per-(ip,hash)
// rate limiting, and garbage collection of abandoned links.
//
// Metadata lives in the backing store so the bind check-and-set is
// atomic across instances. The registry only keeps a local contact map
// to drive its cleanup timer, which is lazily started on first tracked
// link and torn down when none remain.
type Registry struct {
	store backend
	opts  Options

	// waiterCount and onReset are injected by the waiting room after
	// construction; the registry must not depend on it directly.
	waiterCount func(hash string) int
	onReset     func(hash string)

	mu          sync.Mutex
	lastContact map[string]time.Time
	ticker      *time.Ticker
	tickerDone  chan struct{}
	closed      bool
}

// NewRegistry creates a registry over the given store slice.
func NewRegistry(store backend, opts Options) *Registry {
	return &Registry{
		store:       store,
		opts:        opts,
		waiterCount: func(string) int { return 0 },
		onReset:     func(string) {},
		lastContact: make(map[string]time.Time),
	}
}

// SetWaiterCounter injects the local waiter count lookup used by the
// cleanup pass. Must be called before traffic.
func (r *Registry) SetWaiterCounter(fn func(hash string) int) {
	r.waiterCount = fn
}

// SetResetNotifier injects the callback that tells local waiters their
// link's session ended. Must be called before traffic.
func (r *Registry) SetResetNotifier(fn func(hash string)) {
	r.onReset = fn
}

// GenerateHash mints a hash pair under the server secret.
func (r *Registry) GenerateHash(activityName, teacherCode string) (GeneratedHash, error) {
	return GenerateHash(r.opts.Secret, activityName, teacherCode)
}

// VerifyTeacherCode checks a candidate code against a hash.
func (r *Registry) VerifyTeacherCode(activityName, hash, candidate string) VerifyResult {
	return VerifyTeacherCode(r.opts.Secret, activityName, hash, candidate)
}

// GetOrCreateLink idempotently materializes metadata on first contact
// with a hash. hashedTeacherCode may be empty when the caller does not
// know the code (a student waiter); it is recorded at mint time or on
// teacher authentication and is first-write-wins in the store.
func (r *Registry) GetOrCreateLink(ctx context.Context, hash, activityName, hashedTeacherCode string) (*types.PersistentLink, error) {
	if !types.IsValidHash(hash) {
		return nil, types.ErrInvalidHash
	}
	if !types.IsValidActivityName(activityName) {
		return nil, types.ErrInvalidActivityName
	}

	record := &types.PersistentLink{
		ActivityName:      activityName,
		HashedTeacherCode: hashedTeacherCode,
		CreatedAt:         time.Now().UnixMilli(),
	}
	stored, err := r.store.PutLinkIfAbsent(ctx, hash, record, r.opts.IdleWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize link %s: %w", hash, err)
	}

	r.trackContact(hash)
	return stored, nil
}

// GetLink returns the metadata record, nil when absent.
func (r *Registry) GetLink(ctx context.Context, hash string) (*types.PersistentLink, error) {
	return r.store.GetLink(ctx, hash)
}

// StartSession binds a session id to the link exactly once. The store's
// check-and-set is the sole authority: when this instance loses the
// race, started is false and the returned record carries the winner's
// binding, which callers must treat as authoritative.
func (r *Registry) StartSession(ctx context.Context, hash, sessionID, socketID string) (*types.PersistentLink, bool, error) {
	return r.store.BindLinkSession(ctx, hash, sessionID, socketID, r.opts.StartedTTL)
}

// ResetLink clears the binding so the link can be reused and notifies
// local waiters so nobody polls a dead session forever.
func (r *Registry) ResetLink(ctx context.Context, hash string) error {
	err := r.store.ResetLink(ctx, hash, r.opts.IdleWindow)
	if err != nil {
		return err
	}
	r.onReset(hash)
	return nil
}

// ResetLinkForSession finds and resets whichever link is bound to
// sessionID, returning its hash (empty when none was bound). Used when
// a session is deleted explicitly.
func (r *Registry) ResetLinkForSession(ctx context.Context, sessionID string) (string, error) {
	hashes, err := r.store.GetAllLinkHashes(ctx)
	if err != nil {
		return "", err
	}
	for _, hash := range hashes {
		linkRecord, err := r.store.GetLink(ctx, hash)
		if err != nil || linkRecord == nil {
			continue
		}
		if linkRecord.SessionID == sessionID {
			return hash, r.ResetLink(ctx, hash)
		}
	}
	return "", nil
}

// CanAttemptTeacherCode reports whether the (ip,hash) key is still under
// the attempt limit. Checked before any verification work.
func (r *Registry) CanAttemptTeacherCode(ctx context.Context, clientIP, hash string) (bool, error) {
	count, err := r.store.CountAttempts(ctx, clientIP+":"+hash)
	if err != nil {
		return false, err
	}
	return count < int64(r.opts.RateLimitMax), nil
}

// RecordTeacherCodeAttempt counts a failed verification against the
// (ip,hash) key, starting the window on the first failure.
func (r *Registry) RecordTeacherCodeAttempt(ctx context.Context, clientIP, hash string) error {
	_, err := r.store.RecordAttempt(ctx, clientIP+":"+hash, r.opts.RateLimitWindow)
	return err
}

// trackContact refreshes the local contact timestamp and lazily starts
// the shared cleanup timer.
func (r *Registry) trackContact(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.lastContact[hash] = time.Now()
	if r.ticker == nil {
		r.ticker = time.NewTicker(r.opts.CleanupInterval)
		r.tickerDone = make(chan struct{})
		go r.cleanupLoop(r.ticker, r.tickerDone)
	}
}

func (r *Registry) cleanupLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			r.cleanupPass()
		case <-done:
			return
		}
	}
}

// cleanupPass deletes unstarted, waiterless links idle beyond the
// window, then tears the timer down if nothing is tracked anymore.
func (r *Registry) cleanupPass() {
	r.mu.Lock()
	type candidate struct {
		hash string
		last time.Time
	}
	candidates := make([]candidate, 0, len(r.lastContact))
	for hash, last := range r.lastContact {
		candidates = append(candidates, candidate{hash: hash, last: last})
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	for _, c := range candidates {
		if now.Sub(c.last) < r.opts.IdleWindow {
			continue
		}
		if r.waiterCount(c.hash) > 0 {
			// Live lobby; contact is just old because nobody
			// reconnected. Keep the record.
			continue
		}

		record, err := r.store.GetLink(ctx, c.hash)
		if err != nil {
			log.Printf("Link cleanup read failed for %s: %v", c.hash, err)
			continue
		}
		if record == nil || !record.Started() {
			if record != nil {
				if err := r.store.DeleteLink(ctx, c.hash); err != nil {
					log.Printf("Link cleanup delete failed for %s: %v", c.hash, err)
					continue
				}
			}
			r.untrack(c.hash)
		}
	}

	r.mu.Lock()
	if len(r.lastContact) == 0 && r.ticker != nil {
		r.ticker.Stop()
		close(r.tickerDone)
		r.ticker = nil
		r.tickerDone = nil
	}
	r.mu.Unlock()
}

func (r *Registry) untrack(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastContact, hash)
}

// TrackedCount returns how many links this instance is watching; used
// by health reporting and tests.
func (r *Registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lastContact)
}

// Close stops the cleanup timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	if r.ticker != nil {
		r.ticker.Stop()
		close(r.tickerDone)
		r.ticker = nil
		r.tickerDone = nil
	}
}
