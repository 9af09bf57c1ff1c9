// Package gateway is the network frontend of ClawGate. It authenticates
// callers, validates request envelopes against their schemas, applies rate
// limits and routes operations to the session manager and the invocation
// coordinator.
//
// Two transports share one dispatcher: POST /v1/rpc carries one envelope per
// request with credentials in headers, and GET /v1/ws upgrades to a
// WebSocket whose first frame is a hello handshake. Envelopes on a socket
// are served concurrently and answered with the request id.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/invoke"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
)

const version = "1.0.0"

// Sessions is the part of the session manager the gateway routes to.
type Sessions interface {
	CreateOrResume(ctx context.Context, userID, channelID string) (session.Session, error)
	Resume(ctx context.Context, sessionID string) (session.Session, error)
	Close(ctx context.Context, sessionID string) error
	SetTier(ctx context.Context, sessionID, tier, actor string) (session.Session, error)
	Count() int
}

// Invoker is the part of the invocation coordinator the gateway routes to.
type Invoker interface {
	Enqueue(ctx context.Context, req invoke.Request) (invoke.Invocation, error)
	Wait(ctx context.Context, invocationID string) (invoke.Invocation, error)
	Cancel(invocationID string) error
	Result(sessionID, invocationID string) (invoke.Invocation, error)
	Stats() invoke.Stats
}

// AuditLog receives auth events and reports the chain head.
type AuditLog interface {
	audit.Sink
	Head(ctx context.Context) (int64, []byte, error)
}

// PoolStats reports sandbox pool occupancy.
type PoolStats interface {
	Stats() []sandbox.ClassStats
}

// HealthChecker reports database health.
type HealthChecker interface {
	Status(ctx context.Context) database.HealthStatus
}

// Deps are the components behind the gateway. Sessions, Invoker and Audit
// are required; Pool and DB only feed /health.
type Deps struct {
	Sessions Sessions
	Invoker  Invoker
	Audit    AuditLog
	Pool     PoolStats
	DB       HealthChecker
}

// Gateway is the HTTP and WebSocket frontend.
type Gateway struct {
	cfg     Config
	deps    Deps
	auth    *Authenticator
	schemas *schemaSet
	logger  *slog.Logger

	connLimits     *limiterSet
	identityLimits *limiterSet

	startedAt time.Time
	listener  net.Listener
	server    *http.Server
}

// New validates cfg and builds a gateway. Nothing listens until Start.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Sessions == nil || deps.Invoker == nil || deps.Audit == nil {
		return nil, fmt.Errorf("gateway: sessions, invoker and audit are required")
	}
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	rl := cfg.RateLimit
	return &Gateway{
		cfg:            cfg,
		deps:           deps,
		auth:           auth,
		schemas:        schemas,
		logger:         logger.With("component", "gateway"),
		connLimits:     newLimiterSet(rl.PerConnection, rl.ConnectionBurst, rl.IdleEviction),
		identityLimits: newLimiterSet(rl.PerIdentity, rl.IdentityBurst, rl.IdleEviction),
		startedAt:      time.Now(),
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health is public.
	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/v1/rpc", g.handleRPC)
	mux.HandleFunc("/v1/ws", g.handleWebSocket)

	return g.withSecurityHeaders(g.withCORS(mux))
}

// Start binds the configured address and serves in the background. Bind
// errors are returned rather than logged.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", g.cfg.Address, err)
	}
	g.listener = ln
	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if g.cfg.AllowExternal && !isLoopbackAddress(g.cfg.Address) {
		g.logger.Warn("SECURITY: gateway is bound to a non-loopback address, terminate TLS in front of it",
			"address", g.cfg.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String(), "auth_modes", g.auth.Modes())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server. Open WebSockets are closed
// by the server; invocations they started keep running.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// PruneLimiters drops rate limiter state for callers idle longer than the
// eviction window and returns how many entries were removed.
func (g *Gateway) PruneLimiters() int {
	now := time.Now()
	return g.connLimits.prune(now) + g.identityLimits.prune(now)
}

func isLoopbackAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
