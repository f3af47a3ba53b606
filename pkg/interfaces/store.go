package interfaces

import (
	"context"
	"time"

	"classlive/pkg/types"
)

// BackingStore is the uniform contract both backends implement: the
// in-process map store and the Valkey-backed store. Absent records are
// reported as (nil, nil), never as errors; errors mean the store itself
// misbehaved.
type BackingStore interface {
	// GetSession returns the stored session or nil when absent.
	GetSession(ctx context.Context, id string) (*types.Session, error)
	// SetSession writes the full record and (re)arms its TTL.
	SetSession(ctx context.Context, session *types.Session, ttl time.Duration) error
	// DeleteSession removes the record. Deleting an absent id is a no-op.
	DeleteSession(ctx context.Context, id string) error
	// TouchSession updates lastActivity and renews the TTL as a single
	// atomic operation. Returns ErrSessionNotFound when the id is absent
	// so callers can distinguish a lost record from a refreshed one.
	TouchSession(ctx context.Context, id string, lastActivity int64, ttl time.Duration) error
	// GetAllSessionIDs lists every live session id. Expensive on the
	// Valkey backend (cursor scan); never call it on a hot path.
	GetAllSessionIDs(ctx context.Context) ([]string, error)
	// GetAllSessions fetches every live session. Same cost caveat.
	GetAllSessions(ctx context.Context) ([]*types.Session, error)
	// Cleanup reaps expired records on backends without server-side
	// expiry; a no-op where the server expires keys itself.
	Cleanup(ctx context.Context) error
	// Close releases connections and stops background work.
	Close() error

	LinkStore
	AttemptCounter
	Broadcaster
}

// LinkStore persists persistent-link metadata. The bind operation is the
// sole authority for the waiting-to-started transition and must be
// atomic across instances.
type LinkStore interface {
	// GetLink returns the metadata record or nil when absent.
	GetLink(ctx context.Context, hash string) (*types.PersistentLink, error)
	// PutLinkIfAbsent stores the record unless one already exists and
	// returns whichever record is authoritative afterwards. The embedded
	// hashedTeacherCode is first-write-wins.
	PutLinkIfAbsent(ctx context.Context, hash string, link *types.PersistentLink, ttl time.Duration) (*types.PersistentLink, error)
	// BindLinkSession atomically sets sessionId/teacherSocketId iff the
	// link exists and is unbound. Returns the post-operation record and
	// whether this call won the bind.
	BindLinkSession(ctx context.Context, hash, sessionID, socketID string, ttl time.Duration) (*types.PersistentLink, bool, error)
	// ResetLink clears the binding so the link can be reused, rearming
	// the idle TTL.
	ResetLink(ctx context.Context, hash string, ttl time.Duration) error
	// DeleteLink removes the metadata record.
	DeleteLink(ctx context.Context, hash string) error
	// GetAllLinkHashes lists known link hashes (cursor scan on Valkey).
	GetAllLinkHashes(ctx context.Context) ([]string, error)
}

// AttemptCounter tracks failed teacher-code attempts per (ip,hash) key
// inside a fixed window, using an atomic increment-with-expiry.
type AttemptCounter interface {
	// CountAttempts returns the current counter value, 0 when absent.
	CountAttempts(ctx context.Context, key string) (int64, error)
	// RecordAttempt increments the counter, starting the expiry window
	// on first increment, and returns the new value.
	RecordAttempt(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Broadcaster decouples "instance A mutated a session" from "clients on
// instance B must hear about it". Subscriptions are channel-based so a
// slow consumer backpressures its own queue, not the publisher.
type Broadcaster interface {
	// PublishBroadcast sends payload to every subscriber of channel,
	// across all instances on the Valkey backend.
	PublishBroadcast(ctx context.Context, channel string, payload []byte) error
	// SubscribeBroadcast returns a receive channel and a cancel func.
	// The channel is closed after cancellation or store shutdown.
	SubscribeBroadcast(ctx context.Context, channel string) (<-chan []byte, func(), error)
}
