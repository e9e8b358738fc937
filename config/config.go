// Package config loads the gateway's settings from the environment.
//
// Values are decoded with envdecode struct tags; a .env file, when present,
// is loaded first by the entrypoint. Load validates the result so a
// misconfigured process fails at startup instead of on the first request.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/wellness"
	"github.com/joeshaw/envdecode"
)

// Auth modes.
const (
	AuthModeRemote = "remote"
	AuthModeJWT    = "jwt"
	AuthModeNone   = "none"
)

// Session store backends.
const (
	SessionsMemory = "memory"
	SessionsRedis  = "redis"
)

const envProduction = "production"

type Config struct {
	// Env names the deployment environment. ENV: GATEWAY_ENV
	Env        string `env:"GATEWAY_ENV,default=development"`
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// Endpoint is the path of the MCP endpoint. ENV: MCP_ENDPOINT
	Endpoint      string `env:"MCP_ENDPOINT,default=/mcp"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
	ServerName    string `env:"SERVER_NAME,default=mcp-gateway"`
	ServerVersion string `env:"SERVER_VERSION,default=dev"`

	RateLimit RateLimit
	Upstream  Upstream
	Auth      Auth
	Wellness  Wellness
	Sessions  Sessions
	Transport Transport
}

type RateLimit struct {
	Max    int           `env:"RATE_LIMIT_MAX,default=100"`
	Window time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
}

type Upstream struct {
	BaseURL      string        `env:"UPSTREAM_BASE_URL"`
	APIKey       string        `env:"UPSTREAM_API_KEY"`
	APIKeyHeader string        `env:"UPSTREAM_API_KEY_HEADER,default=X-API-Key"`
	Timeout      time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
	Retries      int           `env:"UPSTREAM_RETRIES,default=3"`
	BaseDelay    time.Duration `env:"UPSTREAM_BASE_DELAY,default=500ms"`
	MaxDelay     time.Duration `env:"UPSTREAM_MAX_DELAY,default=10s"`
}

type Auth struct {
	// Mode is one of remote, jwt or none. ENV: AUTH_MODE
	Mode          string        `env:"AUTH_MODE,default=remote"`
	VerifyURL     string        `env:"AUTH_VERIFY_URL"`
	VerifyTimeout time.Duration `env:"AUTH_VERIFY_TIMEOUT,default=5s"`
	// TokenURL is advertised to clients that fail authentication.
	TokenURL string `env:"AUTH_TOKEN_URL"`
	Realm    string `env:"AUTH_REALM,default=mcp-gateway"`
	// ResourceURL is the public URL of the MCP endpoint. When set, OAuth
	// protected resource metadata is published for it.
	ResourceURL string `env:"AUTH_RESOURCE_URL"`

	Issuer string `env:"AUTH_ISSUER"`
	// JWKSURL skips OIDC discovery when set.
	JWKSURL        string        `env:"AUTH_JWKS_URL"`
	Audiences      []string      `env:"AUTH_AUDIENCES"`
	RequiredScopes []string      `env:"AUTH_REQUIRED_SCOPES"`
	Leeway         time.Duration `env:"AUTH_LEEWAY,default=60s"`
}

type Wellness struct {
	FreshPeriod      time.Duration `env:"WELLNESS_FRESH_PERIOD,default=5m"`
	BreakAfter       time.Duration `env:"WELLNESS_BREAK_AFTER,default=30m"`
	LongBreakAfter   time.Duration `env:"WELLNESS_LONG_BREAK_AFTER,default=90m"`
	ForcedBreakAfter time.Duration `env:"WELLNESS_FORCED_BREAK_AFTER,default=120m"`
	WaterInterval    time.Duration `env:"WELLNESS_WATER_INTERVAL,default=20m"`
	IdleReset        time.Duration `env:"WELLNESS_IDLE_RESET,default=15m"`
	MaxSessions      int           `env:"WELLNESS_MAX_SESSIONS,default=10000"`
	// Schedule is the cron spec of the reminder sweep.
	Schedule string `env:"WELLNESS_SCHEDULE,default=@every 1m"`
}

type Sessions struct {
	// Backend is memory or redis. ENV: SESSIONS_BACKEND
	Backend     string        `env:"SESSIONS_BACKEND,default=memory"`
	MaxSessions int           `env:"SESSIONS_MAX,default=10000"`
	IdleTTL     time.Duration `env:"SESSIONS_IDLE_TTL,default=24h"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	KeyPrefix   string        `env:"SESSIONS_KEY_PREFIX,default=mcp-gateway:sessions:"`
}

type Transport struct {
	Timeout           time.Duration `env:"TRANSPORT_TIMEOUT,default=30s"`
	HeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL,default=15s"`
	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES,default=4194304"`
	ShutdownMaxDrain  time.Duration `env:"SHUTDOWN_MAX_DRAIN,default=30s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	c.Sessions.Backend = strings.ToLower(strings.TrimSpace(c.Sessions.Backend))
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
}

// IsProduction reports whether GATEWAY_ENV is production. Production
// disables every permissive authentication fallback.
func (c *Config) IsProduction() bool {
	return c.Env == envProduction
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	if c.ListenAddr == "" {
		fail("LISTEN_ADDR cannot be empty")
	}
	if ep := strings.Trim(c.Endpoint, "/"); ep == "" {
		fail("MCP_ENDPOINT must name a path below the root")
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.RateLimit.Max <= 0 {
		fail("RATE_LIMIT_MAX must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		fail("RATE_LIMIT_WINDOW must be > 0")
	}

	if c.Upstream.BaseURL != "" {
		if u, err := url.Parse(c.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			fail("UPSTREAM_BASE_URL must be an absolute http(s) URL")
		}
	}
	if c.Upstream.Timeout <= 0 {
		fail("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.Upstream.Retries < 0 {
		fail("UPSTREAM_RETRIES must be >= 0")
	}
	if c.Upstream.BaseDelay <= 0 || c.Upstream.MaxDelay < c.Upstream.BaseDelay {
		fail("UPSTREAM_MAX_DELAY (%s) must be >= UPSTREAM_BASE_DELAY (%s) > 0", c.Upstream.MaxDelay, c.Upstream.BaseDelay)
	}

	if c.Auth.ResourceURL != "" {
		if u, err := url.Parse(c.Auth.ResourceURL); err != nil || !u.IsAbs() || u.Host == "" {
			fail("AUTH_RESOURCE_URL must be an absolute URL")
		}
	}
	switch c.Auth.Mode {
	case AuthModeRemote:
		if c.Auth.VerifyURL == "" {
			fail("AUTH_VERIFY_URL is required when AUTH_MODE=remote")
		}
	case AuthModeJWT:
		if c.Auth.Issuer == "" {
			fail("AUTH_ISSUER is required when AUTH_MODE=jwt")
		}
	case AuthModeNone:
		if c.IsProduction() {
			fail("AUTH_MODE=none is not allowed in production")
		}
	default:
		fail("AUTH_MODE must be one of remote, jwt, none; got %q", c.Auth.Mode)
	}

	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Sessions.Backend {
	case SessionsMemory:
	case SessionsRedis:
		if c.Sessions.RedisAddr == "" {
			fail("REDIS_ADDR is required when SESSIONS_BACKEND=redis")
		}
	default:
		fail("SESSIONS_BACKEND must be memory or redis; got %q", c.Sessions.Backend)
	}

	if c.Transport.Timeout <= 0 {
		fail("TRANSPORT_TIMEOUT must be > 0")
	}
	if c.Transport.ShutdownMaxDrain <= 0 {
		fail("SHUTDOWN_MAX_DRAIN must be > 0")
	}

	return errors.Join(errs...)
}

// Thresholds converts the wellness settings.
func (c *Config) Thresholds() wellness.Thresholds {
	return wellness.Thresholds{
		FreshPeriod:      c.Wellness.FreshPeriod,
		BreakAfter:       c.Wellness.BreakAfter,
		LongBreakAfter:   c.Wellness.LongBreakAfter,
		ForcedBreakAfter: c.Wellness.ForcedBreakAfter,
		WaterInterval:    c.Wellness.WaterInterval,
		IdleReset:        c.Wellness.IdleReset,
	}
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// UpstreamHeaders returns the headers sent with every upstream request.
func (c *Config) UpstreamHeaders() map[string]string {
	if c.Upstream.APIKey == "" {
		return nil
	}
	return map[string]string{c.Upstream.APIKeyHeader: c.Upstream.APIKey}
}
