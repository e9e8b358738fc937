package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/config"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/mcpserver"
	"github.com/ggoodman/mcp-gateway-go/ratelimit"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sessions/memory"
	sessionsredis "github.com/ggoodman/mcp-gateway-go/sessions/redis"
	"github.com/ggoodman/mcp-gateway-go/shutdown"
	"github.com/ggoodman/mcp-gateway-go/streaminghttp"
	"github.com/ggoodman/mcp-gateway-go/tools"
	"github.com/ggoodman/mcp-gateway-go/upstream"
	"github.com/ggoodman/mcp-gateway-go/wellness"
)

// gateway holds the assembled collaborators of one process.
type gateway struct {
	handler     *streaminghttp.StreamingHTTPHandler
	coordinator *shutdown.Coordinator
	scheduler   *wellness.Scheduler
	limiter     *ratelimit.Limiter
	log         *slog.Logger
}

func newGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	tracker, err := wellness.NewTracker(cfg.Thresholds(), cfg.Wellness.MaxSessions, wellness.WithLogger(log))
	if err != nil {
		return nil, err
	}
	scheduler, err := wellness.NewScheduler(tracker, wellness.LogNotifier{Logger: log},
		wellness.WithSchedule(cfg.Wellness.Schedule),
		wellness.WithSchedulerLogger(log))
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window, ratelimit.WithLogger(log))

	store, closeStore, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	sm := sessions.NewManager(store, sessions.WithLogger(log))

	client, err := upstream.New(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Timeout:   cfg.Upstream.Timeout,
		Retries:   cfg.Upstream.Retries,
		BaseDelay: cfg.Upstream.BaseDelay,
		MaxDelay:  cfg.Upstream.MaxDelay,
		Headers:   cfg.UpstreamHeaders(),
		Logger:    log,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	verifier, err := newVerifier(ctx, cfg, log)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	defs := tools.WellnessTools(tracker)
	if cfg.Upstream.BaseURL != "" {
		defs = append(defs, tools.APITools(client, sm, log)...)
	}
	server := mcpserver.New(mcpserver.Config{
		ServerInfo: mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion},
		Tools:      tools.NewRegistry(defs, tools.WithLogger(log)),
		Tracker:    tracker,
		Logger:     log,
	})

	coordinator := shutdown.New(shutdown.WithMaxDrain(cfg.Transport.ShutdownMaxDrain), shutdown.WithLogger(log))
	coordinator.OnShutdown("wellness-scheduler", scheduler.Stop)
	coordinator.OnShutdown("rate-limit-sweeper", limiter.Stop)
	coordinator.OnShutdown("session-store", func(context.Context) error { return closeStore() })

	var protected *streaminghttp.ProtectedResource
	if cfg.Auth.ResourceURL != "" {
		protected = &streaminghttp.ProtectedResource{
			Resource:        cfg.Auth.ResourceURL,
			ScopesSupported: cfg.Auth.RequiredScopes,
			JWKSURI:         cfg.Auth.JWKSURL,
			ResourceName:    cfg.ServerName,
		}
		if cfg.Auth.Issuer != "" {
			protected.AuthorizationServers = []string{cfg.Auth.Issuer}
		}
	}

	h, err := streaminghttp.New(streaminghttp.Config{
		Endpoint: cfg.Endpoint,
		Server:   server,
		Sessions: sm,
		Tracker:  tracker,
		Limiter:  limiter,
		Verifier: verifier,
		Challenge: auth.Challenge{
			Realm:    cfg.Auth.Realm,
			TokenURL: cfg.Auth.TokenURL,
		},
		Shutdown:          coordinator,
		Timeout:           cfg.Transport.Timeout,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		MaxBodyBytes:      cfg.Transport.MaxBodyBytes,
		ProtectedResource: protected,
	}, streaminghttp.WithLogger(log))
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return &gateway{
		handler:     h,
		coordinator: coordinator,
		scheduler:   scheduler,
		limiter:     limiter,
		log:         log,
	}, nil
}

func newSessionStore(cfg *config.Config) (sessions.Store, func() error, error) {
	switch cfg.Sessions.Backend {
	case config.SessionsRedis:
		st, err := sessionsredis.New(sessionsredis.Config{
			Addr:      cfg.Sessions.RedisAddr,
			KeyPrefix: cfg.Sessions.KeyPrefix,
			IdleTTL:   cfg.Sessions.IdleTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		return st, st.Close, nil
	default:
		return memory.New(cfg.Sessions.MaxSessions, cfg.Sessions.IdleTTL), func() error { return nil }, nil
	}
}

func newVerifier(ctx context.Context, cfg *config.Config, log *slog.Logger) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeJWT:
		opts := []auth.JWTOption{auth.WithLeeway(cfg.Auth.Leeway)}
		if cfg.Auth.JWKSURL != "" {
			opts = append(opts, auth.WithJWKSURL(cfg.Auth.JWKSURL))
		}
		if len(cfg.Auth.Audiences) > 0 {
			opts = append(opts, auth.WithAudiences(cfg.Auth.Audiences...))
		}
		if len(cfg.Auth.RequiredScopes) > 0 {
			opts = append(opts, auth.WithRequiredScopes(cfg.Auth.RequiredScopes...))
		}
		v, err := auth.NewJWTVerifier(ctx, cfg.Auth.Issuer, opts...)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return v, nil
	case config.AuthModeNone:
		log.WarnContext(ctx, "auth.disabled", slog.String("env", cfg.Env))
		return auth.AllowAll{}, nil
	default:
		v, err := auth.NewRemoteVerifier(auth.RemoteConfig{
			URL:                cfg.Auth.VerifyURL,
			Timeout:            cfg.Auth.VerifyTimeout,
			AllowOnUnreachable: !cfg.IsProduction(),
			Logger:             log,
		})
		if err != nil {
			return nil, fmt.Errorf("remote verifier: %w", err)
		}
		return v, nil
	}
}

// start launches the background workers.
func (g *gateway) start(ctx context.Context) error {
	if err := g.scheduler.Start(ctx); err != nil {
		return err
	}
	return g.limiter.Start(ctx)
}

// Handler returns the root HTTP handler.
func (g *gateway) Handler() http.Handler { return g.handler }
