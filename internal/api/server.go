package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"classlive/internal/link"
	"classlive/internal/metrics"
	"classlive/internal/store"
	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// ConnectionCounter reports open socket totals without coupling the API
// layer to the WebSocket router implementation.
type ConnectionCounter interface {
	ConnectionCount() int
	SessionConnectionCount(sessionID string) int
}

// Server is the HTTP surface: session CRUD for activity routes, link
// minting for teachers, and the health/metrics endpoints. No business
// logic lives here, only HTTP handling and JSON serialization.
type Server struct {
	sessions    interfaces.SessionService
	links       *link.Registry
	connections ConnectionCounter
	instanceID  string
	router      *http.ServeMux
	startedAt   time.Time
}

// NewServer wires the routes and middleware. instanceID stamps outgoing
// control messages so this instance can recognize its own.
func NewServer(sessions interfaces.SessionService, links *link.Registry, connections ConnectionCounter, instanceID string) *Server {
	s := &Server{
		sessions:    sessions,
		links:       links,
		connections: connections,
		instanceID:  instanceID,
		router:      http.NewServeMux(),
		startedAt:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/session", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/session/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleListSessions))))
	s.router.Handle("/api/persistent-link", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handlePersistentLink))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/metrics", metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/session/")
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	if !types.IsValidSessionID(id) {
		s.sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getSession(w, r, id)
	case http.MethodDelete:
		s.deleteSession(w, r, id)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type CreateSessionRequest struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
}

type SessionWithConnections struct {
	*types.Session
	ConnectionCount int `json:"connectionCount"`
}

type ListSessionsResponse struct {
	Sessions []SessionWithConnections `json:"sessions"`
	Count    int                      `json:"count"`
}

type CreateLinkRequest struct {
	ActivityName string `json:"activityName"`
	TeacherCode  string `json:"teacherCode"`
}

type CreateLinkResponse struct {
	Hash              string `json:"hash"`
	HashedTeacherCode string `json:"hashedTeacherCode"`
}

type HealthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	UptimeMs     int64     `json:"uptimeMs"`
	Connections  int       `json:"connections"`
	TrackedLinks int       `json:"trackedLinks"`
	Goroutines   int       `json:"goroutines"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// createSession provisions a session for an activity route. The body is
// optional; an empty request creates an untyped session.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	session, err := s.sessions.CreateSession(r.Context(), req.Type, req.Data)
	if err != nil {
		log.Printf("Session creation failed: %v", err)
		s.sendError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(SessionResponse{Session: session})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(SessionResponse{Session: session})
}

// deleteSession ends a session: connected clients get session-ended
// first, any bound persistent link is reset so its hash can start a
// fresh session, remote instances hear about it on the control channel,
// and only then does the record disappear.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	ended, _ := json.Marshal(types.ServerMessage{Type: types.MessageTypeSessionEnded})
	if err := s.sessions.PublishBroadcast(ctx, store.SessionBroadcastChannel(id), ended); err != nil {
		log.Printf("Failed to broadcast session-ended for %s: %v", id, err)
	}

	hash, err := s.links.ResetLinkForSession(ctx, id)
	if err != nil {
		log.Printf("Failed to reset link for session %s: %v", id, err)
	}

	control, _ := json.Marshal(types.ControlMessage{
		Type:      types.MessageTypeSessionEnded,
		SessionID: id,
		Hash:      hash,
		Origin:    s.instanceID,
	})
	if err := s.sessions.PublishBroadcast(ctx, store.ControlChannel, control); err != nil {
		log.Printf("Failed to publish control message for %s: %v", id, err)
	}

	if err := s.sessions.Delete(ctx, id); err != nil {
		log.Printf("Failed to delete session %s: %v", id, err)
		s.sendError(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}

	log.Printf("Deleted session: id=%s", id)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Session deleted"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.GetAll(r.Context())
	if err != nil {
		s.sendError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	withConns := make([]SessionWithConnections, len(sessions))
	for i, session := range sessions {
		withConns[i] = SessionWithConnections{
			Session:         session,
			ConnectionCount: s.connections.SessionConnectionCount(session.ID),
		}
	}
	_ = json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: withConns, Count: len(withConns)})
}

// handlePersistentLink mints a durable teacher URL hash and records the
// link metadata so the first lobby visitor finds it already populated.
func (s *Server) handlePersistentLink(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	generated, err := s.links.GenerateHash(req.ActivityName, req.TeacherCode)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.links.GetOrCreateLink(r.Context(), generated.Hash, req.ActivityName, generated.HashedTeacherCode); err != nil {
		log.Printf("Failed to record link %s: %v", generated.Hash, err)
		s.sendError(w, "Failed to create persistent link", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(CreateLinkResponse{
		Hash:              generated.Hash,
		HashedTeacherCode: generated.HashedTeacherCode,
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:       "healthy",
		Timestamp:    time.Now(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		Connections:  s.connections.ConnectionCount(),
		TrackedLinks: s.links.TrackedCount(),
		Goroutines:   runtime.NumGoroutine(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
