package ws

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classlive/internal/config"
	"classlive/internal/metrics"
	"classlive/internal/store"
	"classlive/internal/waitingroom"
	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

const handlerOpTimeout = 10 * time.Second

// Inbound frame caps. The largest legal lobby frame is a
// verify-teacher-code message with a 100-char code; session frames carry
// activity payloads and get more headroom.
const (
	waitingRoomReadLimit = 1 << 10
	sessionReadLimit     = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Session access is capability-based (knowing the id or hash),
		// so cross-origin upgrades are allowed.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Router owns every live WebSocket: it upgrades requests on the two
// socket endpoints, tracks connections for the shared ping sweep, and
// runs the per-connection read loops.
type Router struct {
	coordinator *waitingroom.Coordinator
	sessions    interfaces.SessionService
	cfg         config.WebSocketConfig

	mu    sync.RWMutex
	conns map[string]*Connection

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter creates the router and starts its ping sweep.
func NewRouter(coordinator *waitingroom.Coordinator, sessions interfaces.SessionService, cfg config.WebSocketConfig) *Router {
	r := &Router{
		coordinator: coordinator,
		sessions:    sessions,
		cfg:         cfg,
		conns:       make(map[string]*Connection),
		done:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.pingLoop()
	return r
}

// Register mounts the socket endpoints. Paths are matched exactly by
// the mux; anything else stays on the API server.
func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/persistent-session", r.handleWaitingRoom)
	mux.HandleFunc("/ws/session", r.handleSession)
}

// handleWaitingRoom upgrades a waiter onto the lobby for a persistent
// link hash. Validation happens before the upgrade so bad requests get
// real HTTP status codes.
func (r *Router) handleWaitingRoom(w http.ResponseWriter, req *http.Request) {
	hash := req.URL.Query().Get("hash")
	activity := req.URL.Query().Get("activityName")

	if !types.IsValidHash(hash) {
		http.Error(w, "Invalid or missing hash parameter", http.StatusBadRequest)
		return
	}
	if !types.IsValidActivityName(activity) {
		http.Error(w, "Invalid or missing activityName parameter", http.StatusBadRequest)
		return
	}

	sock, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sock.SetReadLimit(waitingRoomReadLimit)
	conn := NewConnection(sock, clientIP(req), r.cfg.WriteTimeout)
	conn.Bind("", hash)
	r.track(conn)

	ctx, cancel := context.WithTimeout(context.Background(), handlerOpTimeout)
	redirected, err := r.coordinator.Join(ctx, hash, activity, conn)
	cancel()
	if err != nil {
		log.Printf("Waiting room join failed for %s: %v", hash, err)
		r.untrack(conn)
		_ = conn.Close()
		return
	}
	if redirected {
		// The link already runs a session; the frame pointing there is
		// queued, so close once the writer has delivered it.
		r.untrack(conn)
		conn.CloseAfterDrain()
		return
	}

	go r.runWaitingRoom(conn, hash)
}

// runWaitingRoom is the read pump for a lobby connection. Leave runs
// exactly once on exit and is idempotent against races with room
// dissolution.
func (r *Router) runWaitingRoom(conn *Connection, hash string) {
	defer func() {
		r.coordinator.Leave(hash, conn.SocketID())
		r.untrack(conn)
		_ = conn.Close()
	}()

	r.configureReadDeadlines(conn, nil)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Waiting room read error for %s: %v", conn.SocketID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerOpTimeout)
		r.coordinator.HandleMessage(ctx, hash, conn, data)
		cancel()
	}
}

// handleSession upgrades a client onto a live session's broadcast
// relay. Every inbound frame refreshes the session's activity clock and
// fans out to all subscribers across instances.
func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session")
	if !types.IsValidSessionID(sessionID) {
		http.Error(w, "Invalid or missing session parameter", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), handlerOpTimeout)
	session, err := r.sessions.Get(ctx, sessionID)
	cancel()
	if err != nil {
		http.Error(w, "Session lookup failed", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	sock, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sock.SetReadLimit(sessionReadLimit)
	conn := NewConnection(sock, clientIP(req), r.cfg.WriteTimeout)
	conn.Bind(sessionID, "")
	r.track(conn)

	channel := store.SessionBroadcastChannel(sessionID)
	subCtx, subCancel := context.WithTimeout(context.Background(), handlerOpTimeout)
	msgs, unsubscribe, err := r.sessions.SubscribeBroadcast(subCtx, channel)
	subCancel()
	if err != nil {
		log.Printf("Broadcast subscribe failed for session %s: %v", sessionID, err)
		r.untrack(conn)
		_ = conn.Close()
		return
	}

	go r.forwardBroadcasts(conn, msgs)
	go r.runSession(conn, sessionID, channel, unsubscribe)
}

// forwardBroadcasts relays published frames to one subscriber. A
// session-ended frame is delivered and then closes the connection.
func (r *Router) forwardBroadcasts(conn *Connection, msgs <-chan []byte) {
	for {
		select {
		case payload, ok := <-msgs:
			if !ok {
				_ = conn.Close()
				return
			}
			if err := conn.SendRaw(payload); err != nil {
				log.Printf("Broadcast relay failed for %s: %v", conn.SocketID(), err)
				return
			}
			var msg types.ServerMessage
			if json.Unmarshal(payload, &msg) == nil && msg.Type == types.MessageTypeSessionEnded {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// runSession is the read pump for a session connection.
func (r *Router) runSession(conn *Connection, sessionID, channel string, unsubscribe func()) {
	defer func() {
		unsubscribe()
		r.untrack(conn)
		_ = conn.Close()
		r.scheduleSessionCleanup(sessionID)
	}()

	r.configureReadDeadlines(conn, func() { r.touchAsync(sessionID) })

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Session read error for %s: %v", conn.SocketID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerOpTimeout)
		if err := r.sessions.Touch(ctx, sessionID); err != nil {
			cancel()
			// The session expired under the connection. Tell the client
			// and stop relaying.
			_ = conn.Send(types.ServerMessage{Type: types.MessageTypeSessionEnded})
			return
		}
		if err := r.sessions.PublishBroadcast(ctx, channel, data); err != nil {
			log.Printf("Broadcast publish failed for session %s: %v", sessionID, err)
		}
		cancel()
	}
}

// scheduleSessionCleanup flushes a session's deferred touches after the
// grace period, unless another connection for the same session is still
// open. Reconnects and reloads therefore cost nothing.
func (r *Router) scheduleSessionCleanup(sessionID string) {
	go func() {
		select {
		case <-time.After(r.cfg.CleanupGrace):
		case <-r.done:
			return
		}

		if r.hasSessionConn(sessionID) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerOpTimeout)
		defer cancel()
		if err := r.sessions.FlushSession(ctx, sessionID); err != nil {
			log.Printf("Deferred cleanup flush failed for session %s: %v", sessionID, err)
		}
	}()
}

// touchAsync refreshes a session's activity clock without blocking the
// caller; a control-frame handler must return promptly.
func (r *Router) touchAsync(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handlerOpTimeout)
		defer cancel()
		if err := r.sessions.Touch(ctx, sessionID); err != nil {
			log.Printf("Heartbeat touch failed for session %s: %v", sessionID, err)
		}
	}()
}

func (r *Router) hasSessionConn(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		if conn.SessionID() == sessionID {
			return true
		}
	}
	return false
}

// configureReadDeadlines arms the read deadline and control-frame
// handlers so the ping sweep can tell live connections from dead ones.
// onTraffic, when set, fires on every pong and ping as well as data
// frames; session connections use it to refresh the activity clock.
func (r *Router) configureReadDeadlines(conn *Connection, onTraffic func()) {
	readWindow := 2 * r.cfg.PingInterval
	_ = conn.conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.conn.SetPongHandler(func(string) error {
		conn.MarkAlive()
		if onTraffic != nil {
			onTraffic()
		}
		return conn.conn.SetReadDeadline(time.Now().Add(readWindow))
	})
	conn.conn.SetPingHandler(func(appData string) error {
		conn.MarkAlive()
		if onTraffic != nil {
			onTraffic()
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(readWindow))
		err := conn.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(r.cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

// pingLoop is the shared heartbeat: one ticker for all connections
// instead of one goroutine each. Connections that miss a whole interval
// without a pong are closed, which unblocks their read pumps.
func (r *Router) pingLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

func (r *Router) sweep() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	deadline := time.Now().Add(r.cfg.WriteTimeout)
	for _, conn := range conns {
		if !conn.SweepAlive() {
			log.Printf("Closing unresponsive connection %s", conn.SocketID())
			_ = conn.Close()
			continue
		}
		if err := conn.Ping(deadline); err != nil {
			_ = conn.Close()
		}
	}
}

func (r *Router) track(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.SocketID()] = conn
	r.mu.Unlock()
	metrics.ActiveConnections.Inc()
}

func (r *Router) untrack(conn *Connection) {
	r.mu.Lock()
	_, present := r.conns[conn.SocketID()]
	delete(r.conns, conn.SocketID())
	r.mu.Unlock()
	if present {
		metrics.ActiveConnections.Dec()
	}
}

// ConnectionCount reports how many sockets are open.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionConnectionCount reports how many sockets are bound to one
// session on this instance.
func (r *Router) SessionConnectionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conn := range r.conns {
		if conn.SessionID() == sessionID {
			n++
		}
	}
	return n
}

// Shutdown stops the ping sweep and closes every connection.
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	r.wg.Wait()
}

// clientIP extracts the originating address, honoring the first hop of
// X-Forwarded-For when a proxy sits in front.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
