package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// DefaultPersistentSecret is the development-only HMAC key. Production
// startup refuses to run with it because every persistent link hash
// would be forgeable.
const DefaultPersistentSecret = "classlive-dev-secret-do-not-use-in-production"

// Config is the system-wide settings object, assembled once at startup
// and injected into components. No component reads the environment
// directly.
type Config struct {
	Environment string

	HTTP      HTTPConfig
	Store     StoreConfig
	Cache     CacheConfig
	WebSocket WebSocketConfig
	Link      LinkConfig
}

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StoreConfig selects and tunes the backing store. An empty ValkeyURL
// selects the in-process backend.
type StoreConfig struct {
	ValkeyURL        string
	SessionTTL       time.Duration
	PersistentSecret string
	JanitorInterval  time.Duration
}

type CacheConfig struct {
	MaxSize       int
	TTL           time.Duration
	FlushInterval time.Duration
}

type WebSocketConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CleanupGrace delays disconnect cleanup so a page reload does not
	// look like the session emptying out.
	CleanupGrace time.Duration
}

type LinkConfig struct {
	// IdleWindow bounds how long an unstarted, waiterless link record
	// survives before the registry garbage-collects it.
	IdleWindow      time.Duration
	CleanupInterval time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// DefaultConfig returns production-shaped defaults; the secret still has
// to come from the environment.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			ValkeyURL:        "",
			SessionTTL:       2 * time.Hour,
			PersistentSecret: DefaultPersistentSecret,
			JanitorInterval:  time.Minute,
		},
		Cache: CacheConfig{
			MaxSize:       1000,
			TTL:           30 * time.Second,
			FlushInterval: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			CleanupGrace: 5 * time.Second,
		},
		Link: LinkConfig{
			IdleWindow:      10 * time.Minute,
			CleanupInterval: time.Minute,
			RateLimitMax:    5,
			RateLimitWindow: 60 * time.Second,
		},
	}
}

// Load builds the configuration from the environment via viper.
// Spec-level variables keep their published names (VALKEY_URL,
// SESSION_TTL_MS, PERSISTENT_SESSION_SECRET); tuning knobs are under the
// CLASSLIVE_ prefix.
func Load() (*Config, error) {
	v := viper.New()
	defaults := DefaultConfig()

	v.SetDefault("environment", defaults.Environment)
	v.SetDefault("valkey_url", "")
	v.SetDefault("session_ttl_ms", defaults.Store.SessionTTL.Milliseconds())
	v.SetDefault("persistent_session_secret", defaults.Store.PersistentSecret)
	v.SetDefault("http_host", defaults.HTTP.Host)
	v.SetDefault("http_port", defaults.HTTP.Port)
	v.SetDefault("http_read_timeout", defaults.HTTP.ReadTimeout)
	v.SetDefault("http_write_timeout", defaults.HTTP.WriteTimeout)
	v.SetDefault("cache_max_size", defaults.Cache.MaxSize)
	v.SetDefault("cache_ttl", defaults.Cache.TTL)
	v.SetDefault("cache_flush_interval", defaults.Cache.FlushInterval)
	v.SetDefault("ws_ping_interval", defaults.WebSocket.PingInterval)
	v.SetDefault("ws_write_timeout", defaults.WebSocket.WriteTimeout)
	v.SetDefault("ws_cleanup_grace", defaults.WebSocket.CleanupGrace)
	v.SetDefault("link_idle_window", defaults.Link.IdleWindow)
	v.SetDefault("link_cleanup_interval", defaults.Link.CleanupInterval)
	v.SetDefault("link_rate_limit_max", defaults.Link.RateLimitMax)
	v.SetDefault("link_rate_limit_window", defaults.Link.RateLimitWindow)

	// Spec-level variables are bound without a prefix.
	for key, env := range map[string]string{
		"environment":               "ENVIRONMENT",
		"valkey_url":                "VALKEY_URL",
		"session_ttl_ms":            "SESSION_TTL_MS",
		"persistent_session_secret": "PERSISTENT_SESSION_SECRET",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	v.SetEnvPrefix("CLASSLIVE")
	v.AutomaticEnv()

	cfg := &Config{
		Environment: v.GetString("environment"),
		HTTP: HTTPConfig{
			Host:         v.GetString("http_host"),
			Port:         v.GetInt("http_port"),
			ReadTimeout:  v.GetDuration("http_read_timeout"),
			WriteTimeout: v.GetDuration("http_write_timeout"),
		},
		Store: StoreConfig{
			ValkeyURL:        v.GetString("valkey_url"),
			SessionTTL:       time.Duration(v.GetInt64("session_ttl_ms")) * time.Millisecond,
			PersistentSecret: v.GetString("persistent_session_secret"),
			JanitorInterval:  defaults.Store.JanitorInterval,
		},
		Cache: CacheConfig{
			MaxSize:       v.GetInt("cache_max_size"),
			TTL:           v.GetDuration("cache_ttl"),
			FlushInterval: v.GetDuration("cache_flush_interval"),
		},
		WebSocket: WebSocketConfig{
			PingInterval: v.GetDuration("ws_ping_interval"),
			WriteTimeout: v.GetDuration("ws_write_timeout"),
			CleanupGrace: v.GetDuration("ws_cleanup_grace"),
		},
		Link: LinkConfig{
			IdleWindow:      v.GetDuration("link_idle_window"),
			CleanupInterval: v.GetDuration("link_cleanup_interval"),
			RateLimitMax:    v.GetInt("link_rate_limit_max"),
			RateLimitWindow: v.GetDuration("link_rate_limit_window"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the deployment enforces the strict
// secret policy.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects configurations that cannot run correctly. The secret
// policy is refuse-in-production, warn-elsewhere: a short or default
// HMAC key makes every persistent link forgeable.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.Store.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max size must be positive")
	}
	if c.Cache.TTL <= 0 || c.Cache.FlushInterval <= 0 {
		return fmt.Errorf("cache TTL and flush interval must be positive")
	}
	if c.Cache.FlushInterval >= c.Store.SessionTTL {
		return fmt.Errorf("cache flush interval must be shorter than the session TTL")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket intervals must be positive")
	}
	if c.WebSocket.CleanupGrace < 0 {
		return fmt.Errorf("cleanup grace cannot be negative")
	}
	if c.Link.IdleWindow <= 0 || c.Link.CleanupInterval <= 0 {
		return fmt.Errorf("link cleanup windows must be positive")
	}
	if c.Link.RateLimitMax <= 0 || c.Link.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}

	if len(c.Store.PersistentSecret) < 32 {
		if c.IsProduction() {
			return fmt.Errorf("PERSISTENT_SESSION_SECRET must be at least 32 characters in production")
		}
		log.Printf("WARNING: PERSISTENT_SESSION_SECRET is shorter than 32 characters")
	}
	if c.Store.PersistentSecret == DefaultPersistentSecret {
		if c.IsProduction() {
			return fmt.Errorf("PERSISTENT_SESSION_SECRET must be set in production")
		}
		log.Printf("WARNING: using the default PERSISTENT_SESSION_SECRET; persistent links are not secure")
	}

	return nil
}
