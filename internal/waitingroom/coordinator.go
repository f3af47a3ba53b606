package waitingroom

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"classlive/internal/link"
	"classlive/internal/metrics"
	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// invalidCodeMessage is the only verification failure clients ever see.
// The real cause is logged server-side so a mistyped code and a forged
// hash are indistinguishable to an attacker.
const invalidCodeMessage = "Invalid teacher code"

const rateLimitedMessage = "Too many attempts. Please try again later."

// Waiter is a client connection parked in a waiting room. Implemented by
// the WebSocket connection wrapper; tests supply fakes.
type Waiter interface {
	SocketID() string
	RemoteIP() string
	Send(msg types.ServerMessage) error
}

type room struct {
	activityName string
	waiters      map[string]Waiter
	// started records that this instance already delivered the
	// session-started broadcast for the room, so a second authenticating
	// teacher on the same instance cannot replay it.
	started bool
}

// Coordinator runs the waiting rooms for persistent links: it admits
// waiters, fans out lobby counts, and drives the teacher-code
// verification flow that turns a waiting link into a live session.
type Coordinator struct {
	registry   *link.Registry
	sessions   interfaces.SessionService
	production bool

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewCoordinator wires the coordinator to the link registry and session
// service, and injects itself into the registry's cleanup callbacks.
func NewCoordinator(registry *link.Registry, sessions interfaces.SessionService, production bool) *Coordinator {
	c := &Coordinator{
		registry:   registry,
		sessions:   sessions,
		production: production,
		rooms:      make(map[string]*room),
	}
	registry.SetWaiterCounter(c.WaiterCount)
	registry.SetResetNotifier(c.NotifySessionEnded)
	return c
}

// Join admits a waiter to the room for hash. If the link is already
// bound to a live session the waiter is sent straight there and never
// enters the room; the redirected return tells the caller to close the
// socket once the frame is delivered. Every admission rebroadcasts the
// lobby count.
func (c *Coordinator) Join(ctx context.Context, hash, activityName string, w Waiter) (redirected bool, err error) {
	linkRecord, err := c.registry.GetOrCreateLink(ctx, hash, activityName, "")
	if err != nil {
		return false, err
	}

	if linkRecord.Started() {
		session, err := c.sessions.Get(ctx, linkRecord.SessionID)
		if err != nil {
			return false, err
		}
		if session != nil {
			return true, w.Send(types.ServerMessage{
				Type:      types.MessageTypeSessionStarted,
				SessionID: linkRecord.SessionID,
			})
		}
		// Bound session expired or was deleted underneath the link.
		// Reset so this lobby can start fresh.
		if err := c.registry.ResetLink(ctx, hash); err != nil {
			log.Printf("Failed to reset stale link %s: %v", hash, err)
		}
	}

	c.mu.Lock()
	rm, ok := c.rooms[hash]
	if !ok {
		rm = &room{activityName: activityName, waiters: make(map[string]Waiter)}
		c.rooms[hash] = rm
	}
	if _, present := rm.waiters[w.SocketID()]; !present {
		rm.waiters[w.SocketID()] = w
		metrics.ActiveWaiters.Inc()
	}
	count := len(rm.waiters)
	targets := snapshotWaiters(rm)
	c.mu.Unlock()

	log.Printf("Waiter %s joined room %s (%d waiting)", w.SocketID(), hash, count)
	c.sendToAll(targets, types.ServerMessage{Type: types.MessageTypeWaiterCount, Count: count})
	return false, nil
}

// Leave removes a waiter from its room. Idempotent: a disconnect after
// the room dissolved, or a double disconnect, is a no-op.
func (c *Coordinator) Leave(hash, socketID string) {
	c.mu.Lock()
	rm, ok := c.rooms[hash]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, present := rm.waiters[socketID]; !present {
		c.mu.Unlock()
		return
	}
	delete(rm.waiters, socketID)
	metrics.ActiveWaiters.Dec()
	count := len(rm.waiters)
	if count == 0 {
		delete(c.rooms, hash)
	}
	targets := snapshotWaiters(rm)
	c.mu.Unlock()

	log.Printf("Waiter %s left room %s (%d waiting)", socketID, hash, count)
	c.sendToAll(targets, types.ServerMessage{Type: types.MessageTypeWaiterCount, Count: count})
}

// WaiterCount returns the local lobby size for a hash.
func (c *Coordinator) WaiterCount(hash string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rm, ok := c.rooms[hash]; ok {
		return len(rm.waiters)
	}
	return 0
}

// HandleMessage processes one inbound frame from a waiter. Malformed
// JSON and unknown message types are logged and dropped, never fatal to
// the connection.
func (c *Coordinator) HandleMessage(ctx context.Context, hash string, w Waiter, raw []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Dropping malformed message from %s: %v", w.SocketID(), err)
		return
	}

	switch msg.Type {
	case types.MessageTypeVerifyTeacherCode:
		c.handleVerifyTeacherCode(ctx, hash, w, msg.TeacherCode)
	default:
		log.Printf("Dropping unknown message type %q from %s", msg.Type, w.SocketID())
	}
}

// handleVerifyTeacherCode is the waiting-to-started transition: rate
// limit, verify, create a session, and bind it to the link exactly once
// across all instances.
func (c *Coordinator) handleVerifyTeacherCode(ctx context.Context, hash string, w Waiter, code string) {
	c.mu.RLock()
	rm, ok := c.rooms[hash]
	var activityName string
	if ok {
		activityName = rm.activityName
	}
	c.mu.RUnlock()
	if !ok {
		log.Printf("Verify attempt from %s for unknown room %s", w.SocketID(), hash)
		c.sendError(w, invalidCodeMessage)
		return
	}

	allowed, err := c.registry.CanAttemptTeacherCode(ctx, w.RemoteIP(), hash)
	if err != nil {
		log.Printf("Rate limit check failed for %s: %v", hash, err)
		c.sendError(w, invalidCodeMessage)
		return
	}
	if !allowed {
		metrics.TeacherCodeRateLimited.Inc()
		log.Printf("Rate limited teacher-code attempt: ip=%s hash=%s", w.RemoteIP(), hash)
		c.sendError(w, rateLimitedMessage)
		return
	}

	result := c.registry.VerifyTeacherCode(activityName, hash, code)
	if !result.Valid {
		metrics.TeacherCodeFailures.Inc()
		if err := c.registry.RecordTeacherCodeAttempt(ctx, w.RemoteIP(), hash); err != nil {
			log.Printf("Failed to record attempt for %s: %v", hash, err)
		}
		if c.production {
			log.Printf("Teacher code rejected: hash=%s", hash)
		} else {
			log.Printf("Teacher code rejected: hash=%s reason=%s", hash, result.Reason)
		}
		c.sendError(w, invalidCodeMessage)
		return
	}

	session, err := c.sessions.CreateSession(ctx, activityName, nil)
	if err != nil {
		log.Printf("Failed to create session for link %s: %v", hash, err)
		c.sendError(w, invalidCodeMessage)
		return
	}

	linkRecord, won, err := c.registry.StartSession(ctx, hash, session.ID, w.SocketID())
	if err != nil {
		log.Printf("Failed to bind link %s: %v", hash, err)
		c.sendError(w, invalidCodeMessage)
		return
	}
	sessionID := session.ID
	if !won {
		// Another instance (or another teacher on this one) bound the
		// link first. Discard our session and follow the winner.
		if err := c.sessions.Delete(ctx, session.ID); err != nil {
			log.Printf("Failed to discard losing session %s: %v", session.ID, err)
		}
		sessionID = linkRecord.SessionID
	} else {
		metrics.SessionsStarted.Inc()
		log.Printf("Link %s started session %s", hash, sessionID)
	}

	// The teacher leaves the lobby before any notification goes out, so
	// the waiter-count the students settle on never includes them. The
	// removal, the already-notified check, and the target snapshot happen
	// under one lock acquisition: a second teacher racing this one must
	// observe started=true and stand down.
	c.mu.Lock()
	rm, ok = c.rooms[hash]
	alreadyNotified := ok && rm.started
	var targets []Waiter
	if ok {
		if _, present := rm.waiters[w.SocketID()]; present {
			delete(rm.waiters, w.SocketID())
			metrics.ActiveWaiters.Dec()
		}
		rm.started = true
		targets = snapshotWaiters(rm)
		if len(rm.waiters) == 0 {
			delete(c.rooms, hash)
		}
	}
	c.mu.Unlock()

	if alreadyNotified {
		// The winner on this instance already told the room, and this
		// socket heard session-started as a waiter. Sending
		// teacher-authenticated too would give it both roles.
		return
	}

	if err := w.Send(types.ServerMessage{
		Type:      types.MessageTypeTeacherAuthenticated,
		SessionID: sessionID,
	}); err != nil {
		log.Printf("Failed to notify teacher %s: %v", w.SocketID(), err)
	}

	c.sendToAll(targets, types.ServerMessage{
		Type:      types.MessageTypeSessionStarted,
		SessionID: sessionID,
	})
}

// NotifySessionEnded tells every local waiter on a hash that the bound
// session is gone. Invoked by the registry on reset, locally or via the
// cross-instance control channel. Rearms the room for a fresh start.
func (c *Coordinator) NotifySessionEnded(hash string) {
	c.mu.Lock()
	if rm, ok := c.rooms[hash]; ok {
		rm.started = false
	}
	c.mu.Unlock()
	c.broadcast(hash, types.ServerMessage{Type: types.MessageTypeSessionEnded})
}

// broadcast sends a message to every waiter currently in a room.
func (c *Coordinator) broadcast(hash string, msg types.ServerMessage) {
	c.mu.RLock()
	rm, ok := c.rooms[hash]
	var targets []Waiter
	if ok {
		targets = snapshotWaiters(rm)
	}
	c.mu.RUnlock()
	c.sendToAll(targets, msg)
}

func (c *Coordinator) sendToAll(targets []Waiter, msg types.ServerMessage) {
	for _, t := range targets {
		if err := t.Send(msg); err != nil {
			log.Printf("Failed to send %s to %s: %v", msg.Type, t.SocketID(), err)
		}
	}
}

func (c *Coordinator) sendError(w Waiter, text string) {
	if err := w.Send(types.ServerMessage{Type: types.MessageTypeTeacherCodeError, Error: text}); err != nil {
		log.Printf("Failed to send error to %s: %v", w.SocketID(), err)
	}
}

func snapshotWaiters(rm *room) []Waiter {
	targets := make([]Waiter, 0, len(rm.waiters))
	for _, w := range rm.waiters {
		targets = append(targets, w)
	}
	return targets
}
