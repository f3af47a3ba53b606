package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classlive/pkg/types"
)

// writeBuffer bounds how many outbound frames can queue per connection
// before senders start timing out.
const writeBuffer = 100

const enqueueTimeout = 5 * time.Second

// Connection wraps a WebSocket with a single writer goroutine; all
// frames funnel through writeCh so concurrent senders never interleave
// writes on the underlying socket.
type Connection struct {
	conn         *websocket.Conn
	id           string
	remoteIP     string
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	// alive is flipped by the pong handler and consumed by the shared
	// ping sweep; 1 means a pong arrived since the last sweep.
	alive atomic.Bool

	mu        sync.RWMutex
	sessionID string
	linkHash  string
}

// NewConnection wraps an upgraded socket and starts its writer.
func NewConnection(conn *websocket.Conn, remoteIP string, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.New().String(),
		remoteIP:     remoteIP,
		writeCh:      make(chan []byte, writeBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.alive.Store(true)

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			// A nil payload is the drain sentinel: everything queued
			// ahead of it has been written, so say goodbye and close.
			if data == nil {
				deadline := time.Now().Add(c.writeTimeout)
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				_ = c.Close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// SocketID returns the connection's unique id.
func (c *Connection) SocketID() string { return c.id }

// RemoteIP returns the client address used for rate-limit keys.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// Send marshals and enqueues a server message.
func (c *Connection) Send(msg types.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.SendRaw(data)
}

// SendRaw enqueues an already-encoded frame.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(enqueueTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// CloseAfterDrain closes the connection once every queued frame has
// been written, so a frame enqueued just before is never lost. Falls
// back to an immediate close when the queue is saturated.
func (c *Connection) CloseAfterDrain() {
	select {
	case c.writeCh <- nil:
	case <-c.ctx.Done():
	default:
		_ = c.Close()
	}
}

// Ping sends a control ping outside the writer queue; control frames
// are safe to write concurrently with data frames in gorilla/websocket.
func (c *Connection) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, deadline)
}

// MarkAlive records pong receipt; SweepAlive consumes and resets the
// flag, reporting whether the connection responded since the last sweep.
func (c *Connection) MarkAlive()       { c.alive.Store(true) }
func (c *Connection) SweepAlive() bool { return c.alive.Swap(false) }

// Bind associates the connection with the session or link it serves.
func (c *Connection) Bind(sessionID, linkHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.linkHash = linkHash
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) LinkHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.linkHash
}

// Done exposes the connection's lifetime for goroutines tied to it.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Close tears the connection down exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
