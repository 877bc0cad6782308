package web

import (
	"context"
	"net/http"
	"time"

	"courtbook/internal/adapters/http/middleware"
	"courtbook/internal/adapters/http/perf"
	"courtbook/internal/adapters/outreach"
	accountStore "courtbook/internal/adapters/storage/account"
	auditStore "courtbook/internal/adapters/storage/audit"
	outboxStore "courtbook/internal/adapters/storage/outbox"
	"courtbook/internal/application/orchestrators"
	"courtbook/internal/application/projections"
	"courtbook/internal/application/reschedule"
	"courtbook/internal/application/scheduling"
)

// Deps holds everything the handlers reach.
type Deps struct {
	Scheduling      *scheduling.Service
	Moves           *reschedule.Coordinator
	Availability    projections.AvailabilityCache // optional
	Resources       []string                      // default resource list for availability
	Accounts        accountStore.Store
	Audit           auditStore.Store
	Outbox          outboxStore.Store
	OutboxProcessor *orchestrators.OutboxProcessor
	Outreach        outreach.StatusChecker
	Collector       *perf.Collector
	Sessions        *middleware.SessionStore
	Tokens          *middleware.TokenIssuer // nil disables bearer tokens
	MoveTimeout     time.Duration
	Ping            func(ctx context.Context) error
	SchemaVersion   int64
	Version         string
}

// Options tunes the middleware chain.
type Options struct {
	CSRFKey        []byte // 32 bytes
	SecureCookies  bool
	TrustedOrigins []string
	RateLimit      float64 // requests per second per client
	SlowRequest    time.Duration
}

// app is set by NewMux and read by every handler.
var app *Deps

// limiter is exposed so the server can run its sweeper.
var limiter *middleware.RateLimiter

// NewMux wires HTTP handlers for the API.
// PRE: d.Scheduling, d.Moves, d.Accounts and d.Sessions are non-nil; opts.CSRFKey is 32 bytes
func NewMux(d *Deps, opts Options) http.Handler {
	app = d
	if app.Outreach == nil {
		app.Outreach = outreach.NoopChecker{}
	}
	middleware.SecureCookies = opts.SecureCookies

	mux := http.NewServeMux()
	registerRoutes(mux)

	limiter = middleware.NewRateLimiter(opts.RateLimit, 0)

	// Timing -> RateLimit -> Auth -> CSRF -> SecurityHeaders -> Mux
	return middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.CSRF(opts.CSRFKey, opts.SecureCookies, opts.TrustedOrigins...),
		middleware.Auth(d.Sessions, d.Tokens),
		middleware.RateLimit(limiter),
		middleware.Timing(d.Collector, opts.SlowRequest),
	)
}

// RunLimiterSweeper drops idle rate-limit buckets until ctx is done.
func RunLimiterSweeper(ctx context.Context) {
	if limiter != nil {
		limiter.Run(ctx)
	}
}

func registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", handleHealthz)

	mux.HandleFunc("/api/login", handleLogin)
	mux.HandleFunc("/api/logout", handleLogout)
	mux.Handle("/api/account/password", middleware.RequireAuth(http.HandlerFunc(handleChangePassword)))

	mux.HandleFunc("/api/bookings", handleBookings)
	mux.HandleFunc("/api/bookings/{id}", handleBooking)
	mux.HandleFunc("/api/bookings/{id}/reschedule", handleReschedule)
	mux.HandleFunc("/api/availability", handleAvailability)

	mux.Handle("/api/moves", middleware.RequireAuth(http.HandlerFunc(handleMoves)))
	mux.Handle("/api/moves/{id}", middleware.RequireAuth(http.HandlerFunc(handleMove)))

	admin := middleware.RequireRole("admin")
	mux.Handle("/api/admin/accounts", admin(http.HandlerFunc(handleAdminAccounts)))
	mux.Handle("/api/admin/outbox", admin(http.HandlerFunc(handleAdminOutbox)))
	mux.Handle("/api/admin/outbox/{id}/{action}", admin(http.HandlerFunc(handleAdminOutboxAction)))
	mux.Handle("/api/admin/audit", admin(http.HandlerFunc(handleAdminAudit)))
	mux.Handle("/api/admin/perf", admin(http.HandlerFunc(handleAdminPerf)))
	mux.Handle("/api/admin/index/verify", admin(http.HandlerFunc(handleAdminVerifyIndex)))
}
