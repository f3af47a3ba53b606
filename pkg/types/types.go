package types

// Message type constants for the waiting-room WebSocket protocol.
// Values are part of the wire contract with the browser clients.
const (
	MessageTypeVerifyTeacherCode    = "verify-teacher-code"
	MessageTypeWaiterCount          = "waiter-count"
	MessageTypeSessionStarted       = "session-started"
	MessageTypeSessionEnded         = "session-ended"
	MessageTypeTeacherAuthenticated = "teacher-authenticated"
	MessageTypeTeacherCodeError     = "teacher-code-error"
)

// Session is the ephemeral server-side record for one running classroom
// activity instance. Timestamps are epoch milliseconds to match the wire
// format consumed by activity routes. Data is activity-dependent and
// treated opaquely except for the normalization hook in the session
// service.
type Session struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type,omitempty"`
	Created      int64                  `json:"created"`
	LastActivity int64                  `json:"lastActivity"`
	Data         map[string]interface{} `json:"data"`
}

// Clone returns a copy with its own top-level Data map. Nested values
// are shared; callers that mutate nested structures own that risk.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Data != nil {
		dup.Data = make(map[string]interface{}, len(s.Data))
		for k, v := range s.Data {
			dup.Data[k] = v
		}
	}
	return &dup
}

// PersistentLink is the metadata record behind a durable teacher URL.
// SessionID is non-empty iff the link has been started; exactly one
// successful authentication may set it.
type PersistentLink struct {
	ActivityName      string `json:"activityName"`
	HashedTeacherCode string `json:"hashedTeacherCode"`
	CreatedAt         int64  `json:"createdAt"`
	SessionID         string `json:"sessionId,omitempty"`
	TeacherSocketID   string `json:"teacherSocketId,omitempty"`
}

// Started reports whether the link is bound to a live session.
func (l *PersistentLink) Started() bool {
	return l != nil && l.SessionID != ""
}

// ClientMessage is an inbound waiting-room frame.
type ClientMessage struct {
	Type        string `json:"type"`
	TeacherCode string `json:"teacherCode,omitempty"`
}

// ServerMessage is an outbound waiting-room frame. Fields are omitted
// when not relevant to the message type.
type ServerMessage struct {
	Type      string `json:"type"`
	Count     int    `json:"count,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ControlMessage is a cross-instance lifecycle signal on the control
// channel. Hash is set when the ended session was bound to a persistent
// link, so remote instances can notify that link's waiters. Origin
// identifies the publishing instance: publishers hear their own messages
// back and must skip them, having already notified their waiters
// directly.
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Hash      string `json:"hash,omitempty"`
	Origin    string `json:"origin,omitempty"`
}
