package interfaces

import (
	"context"
	"time"

	"classlive/pkg/types"
)

// Normalizer backfills activity-specific default fields on a session so
// activity routes can rely on shape invariants.
// Normalizers run on every Get/Set/GetAll result for their activity type
// and must be cheap and idempotent.
type Normalizer func(session *types.Session)

// SessionService is the public session API consumed by activity routes
// and the waiting room. A ttl of 0 means the configured default.
type SessionService interface {
	Get(ctx context.Context, id string) (*types.Session, error)
	Set(ctx context.Context, session *types.Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	GetAll(ctx context.Context) ([]*types.Session, error)
	// CreateSession generates a collision-checked id and writes through
	// to the backing store immediately.
	CreateSession(ctx context.Context, activityType string, data map[string]interface{}) (*types.Session, error)
	// RegisterNormalizer installs the shape hook for an activity type.
	// Called once per activity at startup, before traffic.
	RegisterNormalizer(activityType string, fn Normalizer)
	// FlushSession force-writes any deferred touch for one session.
	FlushSession(ctx context.Context, id string) error

	PublishBroadcast(ctx context.Context, channel string, payload []byte) error
	SubscribeBroadcast(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Shutdown drains dirty cache entries to the store and stops the
	// background flush loop.
	Shutdown(ctx context.Context) error
}
