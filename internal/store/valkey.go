package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// Key layout on the Valkey backend. Sessions and links are JSON blobs;
// attempt counters are plain integers.
const (
	sessionKeyPrefix = "session:"
	linkKeyPrefix    = "persistent:"
	attemptKeyPrefix = "attempts:"

	// ControlChannel carries cross-instance session lifecycle signals
	// (currently only session-ended).
	ControlChannel = "session-control"

	scanBatchSize = 100
)

// SessionKey returns the storage key for a session id.
func SessionKey(id string) string {
	return sessionKeyPrefix + id
}

// LinkKey returns the storage key for a persistent link hash.
func LinkKey(hash string) string {
	return linkKeyPrefix + hash
}

// AttemptKey returns the rate-limit counter key for a client/hash pair.
// Keyed by ip AND hash so one NAT'd classroom's failures cannot lock out
// another classroom sharing the hash namespace.
func AttemptKey(clientIP, hash string) string {
	return attemptKeyPrefix + clientIP + ":" + hash
}

// SessionBroadcastChannel returns the per-session pub/sub channel name.
func SessionBroadcastChannel(id string) string {
	return sessionKeyPrefix + id + ":broadcast"
}

// touchScript patches lastActivity and renews the TTL in one server-side
// step, so concurrent touches from different instances never interleave
// a read-modify-write.
var touchScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local obj = cjson.decode(raw)
local last = tonumber(ARGV[1])
if not obj['lastActivity'] or obj['lastActivity'] < last then
	obj['lastActivity'] = last
end
redis.call('SET', KEYS[1], cjson.encode(obj), 'PX', tonumber(ARGV[2]))
return 1
`)

// putLinkScript stores the record only when absent and refreshes the
// idle expiry either way; the stored record is always returned so the
// embedded hashedTeacherCode stays first-write-wins.
var putLinkScript = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', tonumber(ARGV[2]))
if ok then
	return ARGV[1]
end
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return redis.call('GET', KEYS[1])
`)

// bindLinkScript is the atomic check-and-set behind exactly-once session
// start: the bind succeeds only when sessionId is still empty, and a
// losing instance gets the winner's record back.
var bindLinkScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'missing', ''}
end
local obj = cjson.decode(raw)
if obj['sessionId'] and obj['sessionId'] ~= '' then
	return {'taken', raw}
end
obj['sessionId'] = ARGV[1]
obj['teacherSocketId'] = ARGV[2]
local encoded = cjson.encode(obj)
redis.call('SET', KEYS[1], encoded, 'PX', tonumber(ARGV[3]))
return {'bound', encoded}
`)

// resetLinkScript clears the binding for reuse and rearms the idle TTL.
var resetLinkScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local obj = cjson.decode(raw)
obj['sessionId'] = nil
obj['teacherSocketId'] = nil
redis.call('SET', KEYS[1], cjson.encode(obj), 'PX', tonumber(ARGV[1]))
return 1
`)

// attemptScript increments the counter and starts the expiry window only
// on the first increment, keeping the window fixed from the first failed
// attempt.
var attemptScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// ValkeyStore is the Redis-protocol backing store shared by all
// instances. It is the single source of truth on any cache/store
// disagreement.
type ValkeyStore struct {
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

// NewValkeyStore connects to the Valkey server named by url, retrying
// the initial ping with exponential backoff before giving up.
func NewValkeyStore(url string) (*ValkeyStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse VALKEY_URL: %w", err)
	}
	client := redis.NewClient(opt)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, policy); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("valkey connection failed: %w", err)
	}

	log.Printf("Connected to Valkey at %s", opt.Addr)
	return &ValkeyStore{client: client}, nil
}

var _ interfaces.BackingStore = (*ValkeyStore)(nil)

func (s *ValkeyStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	raw, err := s.client.Get(ctx, SessionKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	var session types.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

func (s *ValkeyStore) SetSession(ctx context.Context, session *types.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	if err := s.client.Set(ctx, SessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session %s: %w", session.ID, err)
	}
	return nil
}

func (s *ValkeyStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, SessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *ValkeyStore) TouchSession(ctx context.Context, id string, lastActivity int64, ttl time.Duration) error {
	res, err := touchScript.Run(ctx, s.client, []string{SessionKey(id)}, lastActivity, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", id, err)
	}
	if res == 0 {
		return interfaces.ErrSessionNotFound
	}
	return nil
}

// GetAllSessionIDs walks the keyspace with cursor SCAN. Expensive:
// cost grows with the whole keyspace, so callers must keep this off hot
// paths (dashboard listing only).
func (s *ValkeyStore) GetAllSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan session keys: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, key[len(sessionKeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

func (s *ValkeyStore) GetAllSessions(ctx context.Context) ([]*types.Session, error) {
	ids, err := s.GetAllSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = SessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue // Expired between scan and fetch.
		}
		var session types.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			log.Printf("Skipping undecodable session %s: %v", ids[i], err)
			continue
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

// Cleanup is a no-op: the server expires keys itself.
func (s *ValkeyStore) Cleanup(ctx context.Context) error {
	return nil
}

func (s *ValkeyStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pubsubs := s.pubsubs
	s.pubsubs = nil
	s.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	return s.client.Close()
}

func (s *ValkeyStore) GetLink(ctx context.Context, hash string) (*types.PersistentLink, error) {
	raw, err := s.client.Get(ctx, LinkKey(hash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link %s: %w", hash, err)
	}

	var link types.PersistentLink
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		return nil, fmt.Errorf("failed to unmarshal link %s: %w", hash, err)
	}
	return &link, nil
}

func (s *ValkeyStore) PutLinkIfAbsent(ctx context.Context, hash string, link *types.PersistentLink, ttl time.Duration) (*types.PersistentLink, error) {
	data, err := json.Marshal(link)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal link %s: %w", hash, err)
	}
	raw, err := putLinkScript.Run(ctx, s.client, []string{LinkKey(hash)}, string(data), ttl.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to put link %s: %w", hash, err)
	}

	var stored types.PersistentLink
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored link %s: %w", hash, err)
	}
	return &stored, nil
}

func (s *ValkeyStore) BindLinkSession(ctx context.Context, hash, sessionID, socketID string, ttl time.Duration) (*types.PersistentLink, bool, error) {
	res, err := bindLinkScript.Run(ctx, s.client, []string{LinkKey(hash)}, sessionID, socketID, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to bind link %s: %w", hash, err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected bind result for link %s", hash)
	}
	status, _ := res[0].(string)
	raw, _ := res[1].(string)

	switch status {
	case "missing":
		return nil, false, interfaces.ErrLinkNotFound
	case "taken", "bound":
		var link types.PersistentLink
		if err := json.Unmarshal([]byte(raw), &link); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal bound link %s: %w", hash, err)
		}
		return &link, status == "bound", nil
	default:
		return nil, false, fmt.Errorf("unexpected bind status %q for link %s", status, hash)
	}
}

func (s *ValkeyStore) ResetLink(ctx context.Context, hash string, ttl time.Duration) error {
	res, err := resetLinkScript.Run(ctx, s.client, []string{LinkKey(hash)}, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to reset link %s: %w", hash, err)
	}
	if res == 0 {
		return interfaces.ErrLinkNotFound
	}
	return nil
}

func (s *ValkeyStore) DeleteLink(ctx context.Context, hash string) error {
	if err := s.client.Del(ctx, LinkKey(hash)).Err(); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", hash, err)
	}
	return nil
}

func (s *ValkeyStore) GetAllLinkHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, linkKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan link keys: %w", err)
		}
		for _, key := range keys {
			hashes = append(hashes, key[len(linkKeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return hashes, nil
}

func (s *ValkeyStore) CountAttempts(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, attemptKeyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts for %s: %w", key, err)
	}
	return count, nil
}

func (s *ValkeyStore) RecordAttempt(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := attemptScript.Run(ctx, s.client, []string{attemptKeyPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}
	return count, nil
}

func (s *ValkeyStore) PublishBroadcast(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// SubscribeBroadcast adapts the client's pub/sub stream to a plain byte
// channel. Each subscription runs its own receive goroutine feeding a
// bounded channel; a slow consumer drops its own messages instead of
// backpressuring the publisher.
func (s *ValkeyStore) SubscribeBroadcast(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, interfaces.ErrStoreClosed
	}
	ps := s.client.Subscribe(ctx, channel)
	s.pubsubs = append(s.pubsubs, ps)
	s.mu.Unlock()

	out := make(chan []byte, subscriberBufferSize)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				// Slow consumer; drop rather than block the stream.
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		for i, existing := range s.pubsubs {
			if existing == ps {
				s.pubsubs = append(s.pubsubs[:i], s.pubsubs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		_ = ps.Close()
	}
	return out, cancel, nil
}
