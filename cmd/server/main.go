package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"courtbook/internal/adapters/cache"
	web "courtbook/internal/adapters/http"
	"courtbook/internal/adapters/http/middleware"
	"courtbook/internal/adapters/http/perf"
	"courtbook/internal/adapters/messaging"
	"courtbook/internal/adapters/outreach"
	"courtbook/internal/adapters/storage"
	accountStore "courtbook/internal/adapters/storage/account"
	auditStore "courtbook/internal/adapters/storage/audit"
	bookingStore "courtbook/internal/adapters/storage/booking"
	outboxStore "courtbook/internal/adapters/storage/outbox"
	"courtbook/internal/application/orchestrators"
	"courtbook/internal/application/projections"
	"courtbook/internal/application/reschedule"
	"courtbook/internal/application/scheduling"
	"courtbook/internal/application/slotindex"
	"courtbook/internal/config"
	"courtbook/internal/domain/outbox"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Logger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialect, err := storage.ParseDialect(cfg.DBDriver)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg, dialect)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.MigrateDB(ctx, db, dialect); err != nil {
		return err
	}
	schema, err := storage.SchemaVersion(ctx, db, dialect)
	if err != nil {
		return err
	}
	slog.Info("database_ready", "driver", dialect, "schema", schema, "latest", storage.LatestSchemaVersion(dialect))

	collector := perf.NewCollector(perf.DefaultRingSize)
	timedDB := storage.NewTimedDB(db, collector, dialect)
	timedDB.SetSlowQueryThreshold(cfg.SlowQueryThreshold())

	accounts := accountStore.NewSQLStore(timedDB)
	audits := auditStore.NewSQLStore(timedDB)
	bookings := bookingStore.NewSQLStore(timedDB)
	entries := outboxStore.NewSQLStore(timedDB)

	hours, err := cfg.Hours()
	if err != nil {
		return err
	}

	availability, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	svc := scheduling.NewService(scheduling.Deps{
		Store:     bookings,
		Index:     slotindex.New(),
		Hours:     hours,
		Audit:     audits,
		Listeners: []scheduling.ChangeListener{availability},
		LockWait:  collector.RecordLockWait,
	})
	if err := svc.Load(ctx); err != nil {
		return err
	}

	if err := orchestrators.ExecuteSeedAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, orchestrators.AdminSeedDeps{AccountStore: accounts}); err != nil {
		return err
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()
	processor := orchestrators.NewOutboxProcessor(entries, map[string]orchestrators.ActionExecutor{
		outbox.ActionTypeBookingEvent: publisher,
	})
	workerDone := orchestrators.StartBackgroundWorker(ctx, processor, cfg.OutboxInterval)

	moves := reschedule.NewCoordinator(reschedule.Deps{Service: svc, Audit: audits})

	var checker outreach.StatusChecker = outreach.NoopChecker{}
	if cfg.ResendAPIKey != "" {
		checker = outreach.NewResendChecker(cfg.ResendAPIKey)
	} else if cfg.IsProduction() {
		slog.Warn("outreach_disabled", "reason", "COURTBOOK_RESEND_API_KEY is not set")
	}

	var tokens *middleware.TokenIssuer
	if cfg.JWTSecret != "" {
		if tokens, err = middleware.NewTokenIssuer(cfg.JWTSecret, middleware.SessionTTL); err != nil {
			return err
		}
	}

	csrfKey := cfg.CSRFKeyBytes()
	if csrfKey == nil {
		csrfKey = make([]byte, 32)
		if _, err := rand.Read(csrfKey); err != nil {
			return err
		}
		slog.Warn("csrf_key_generated", "reason", "COURTBOOK_CSRF_KEY is not set; form tokens will not survive a restart")
	}

	handler := web.NewMux(&web.Deps{
		Scheduling:      svc,
		Moves:           moves,
		Availability:    availability,
		Resources:       cfg.Resources,
		Accounts:        accounts,
		Audit:           audits,
		Outbox:          entries,
		OutboxProcessor: processor,
		Outreach:        checker,
		Collector:       collector,
		Sessions:        middleware.NewSessionStore(),
		Tokens:          tokens,
		MoveTimeout:     cfg.MoveTimeout,
		Ping:            timedDB.PingContext,
		SchemaVersion:   schema,
		Version:         version,
	}, web.Options{
		CSRFKey:       csrfKey,
		SecureCookies: cfg.IsProduction(),
		RateLimit:     cfg.RateLimit,
		SlowRequest:   500 * time.Millisecond,
	})
	go web.RunLimiterSweeper(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server_start", "version", version, "addr", cfg.Addr, "env", cfg.Env, "resources", cfg.Resources)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server_shutdown_failed", "error", err)
	}
	moves.Wait()
	<-workerDone
	slog.Info("server_stopped")
	return nil
}

// openDB opens and pings the configured database.
func openDB(ctx context.Context, cfg config.Config, dialect storage.Dialect) (*sql.DB, error) {
	dsn := cfg.DatabaseURL
	if dialect == storage.DialectSQLite {
		dsn = cfg.DBPath + storage.SQLitePragmas
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

type availabilityCache interface {
	projections.AvailabilityCache
	scheduling.ChangeListener
}

// openCache returns the Redis-backed availability cache when configured,
// otherwise the in-process one.
func openCache(ctx context.Context, cfg config.Config) (availabilityCache, func(), error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(cache.DefaultTTL), func() {}, nil
	}
	client, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("cache_ready", "backend", "redis", "addr", cfg.RedisAddr)
	return cache.NewRedis(client, cache.DefaultTTL), func() { client.Close() }, nil
}

type eventPublisher interface {
	orchestrators.ActionExecutor
	Close() error
}

// openPublisher connects to the broker when configured, otherwise logs events.
func openPublisher(cfg config.Config) (eventPublisher, error) {
	if cfg.AMQPURL == "" {
		slog.Info("publisher_ready", "backend", "log")
		return messaging.LogPublisher{}, nil
	}
	p, err := messaging.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, err
	}
	slog.Info("publisher_ready", "backend", "amqp", "exchange", cfg.AMQPExchange)
	return p, nil
}
