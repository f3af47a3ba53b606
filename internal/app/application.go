package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"classlive/internal/api"
	"classlive/internal/config"
	"classlive/internal/link"
	"classlive/internal/session"
	"classlive/internal/store"
	"classlive/internal/waitingroom"
	"classlive/internal/ws"
	"classlive/pkg/interfaces"
	"classlive/pkg/types"
)

// Application coordinates all system components. Initialization follows
// strict dependency order: Store → Session → Link → WaitingRoom →
// Router → API → HTTP.
type Application struct {
	config      *config.Config
	instanceID  string
	store       interfaces.BackingStore
	sessions    *session.Manager
	links       *link.Registry
	coordinator *waitingroom.Coordinator
	router      *ws.Router
	apiServer   *api.Server
	httpServer  *http.Server

	controlCancel func()
}

// NewApplication builds the component graph from configuration. An
// empty VALKEY_URL selects the in-process store, which is the
// single-instance development mode.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var backing interfaces.BackingStore
	if cfg.Store.ValkeyURL != "" {
		valkey, err := store.NewValkeyStore(cfg.Store.ValkeyURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		backing = valkey
		log.Printf("Using Valkey backing store")
	} else {
		backing = store.NewMemoryStore(cfg.Store.JanitorInterval)
		log.Printf("Using in-memory backing store")
	}

	sessions := session.NewManager(backing, cfg.Store.SessionTTL, cfg.Cache.TTL, cfg.Cache.FlushInterval, cfg.Cache.MaxSize)

	links := link.NewRegistry(backing, link.Options{
		Secret:          cfg.Store.PersistentSecret,
		IdleWindow:      cfg.Link.IdleWindow,
		StartedTTL:      cfg.Store.SessionTTL,
		CleanupInterval: cfg.Link.CleanupInterval,
		RateLimitMax:    cfg.Link.RateLimitMax,
		RateLimitWindow: cfg.Link.RateLimitWindow,
	})

	instanceID := uuid.New().String()
	coordinator := waitingroom.NewCoordinator(links, sessions, cfg.IsProduction())
	router := ws.NewRouter(coordinator, sessions, cfg.WebSocket)
	apiServer := api.NewServer(sessions, links, router, instanceID)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	router.Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		instanceID:  instanceID,
		store:       backing,
		sessions:    sessions,
		links:       links,
		coordinator: coordinator,
		router:      router,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// Start subscribes to the control channel and brings up the HTTP
// server. The control subscription comes first so a session ended on a
// peer instance is never missed during startup.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting classlive on %s (env=%s)", app.httpServer.Addr, app.config.Environment)

	msgs, cancel, err := app.store.SubscribeBroadcast(ctx, store.ControlChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	app.controlCancel = cancel
	go app.controlLoop(msgs)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("classlive started successfully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// controlLoop reacts to cross-instance lifecycle signals. A
// session-ended signal from a peer releases this instance's waiters on
// the affected link.
func (app *Application) controlLoop(msgs <-chan []byte) {
	for payload := range msgs {
		app.handleControlMessage(payload)
	}
}

func (app *Application) handleControlMessage(payload []byte) {
	var msg types.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("Dropping malformed control message: %v", err)
		return
	}
	// This instance's own publications loop back on the shared channel;
	// its waiters were already notified through the reset callback.
	if msg.Origin == app.instanceID {
		return
	}
	if msg.Type == types.MessageTypeSessionEnded && msg.Hash != "" {
		app.coordinator.NotifySessionEnded(msg.Hash)
	}
}

// Stop shuts down in reverse dependency order: HTTP stops accepting,
// sockets close, the session service drains its dirty cache, and only
// then does the store go away.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down classlive")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.router.Shutdown()
	app.links.Close()

	if app.controlCancel != nil {
		app.controlCancel()
	}

	if err := app.sessions.Shutdown(ctx); err != nil {
		log.Printf("Session service shutdown error: %v", err)
	}

	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("classlive shutdown complete")
	return nil
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

// Sessions exposes the session service for activity integrations.
func (app *Application) Sessions() interfaces.SessionService {
	return app.sessions
}
