package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/auth"
	"github.com/45ck/Portarium-sub006/pkg/commands"
	"github.com/45ck/Portarium-sub006/pkg/config"
	"github.com/45ck/Portarium-sub006/pkg/evidence"
	"github.com/45ck/Portarium-sub006/pkg/events"
	"github.com/45ck/Portarium-sub006/pkg/idempotency"
	"github.com/45ck/Portarium-sub006/pkg/observability"
	"github.com/45ck/Portarium-sub006/pkg/outbox"
	"github.com/45ck/Portarium-sub006/pkg/stores"
	"github.com/45ck/Portarium-sub006/pkg/uow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "portarium-control-plane",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		Enabled:        os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	aggregates := stores.NewSQLStore(db)
	if err := aggregates.Init(ctx); err != nil {
		return fmt.Errorf("migrate aggregate tables: %w", err)
	}
	evidenceStore := evidence.NewPostgresStore(db)
	if err := evidenceStore.Init(ctx); err != nil {
		return fmt.Errorf("migrate evidence table: %w", err)
	}
	outboxStore := outbox.NewPostgresStore(db)
	if err := outboxStore.Init(ctx); err != nil {
		return fmt.Errorf("migrate outbox table: %w", err)
	}
	idemStore := idempotency.NewPostgresStore(db)
	if err := idemStore.Init(ctx); err != nil {
		return fmt.Errorf("migrate idempotency table: %w", err)
	}

	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		slog.Warn("tenant profiles unavailable, using default authorization rules", "error", err)
	}
	authorizer, err := buildAuthorizer(profiles)
	if err != nil {
		return fmt.Errorf("build authorizer: %w", err)
	}

	service := commands.NewService(commands.Deps{
		Clock:         app.UTCClock{},
		IDs:           app.UUIDGenerator{},
		Authorizer:    authorizer,
		Idempotency:   idemStore,
		UnitOfWork:    uow.NewSQL(db),
		Evidence:      evidenceStore,
		Hasher:        evidence.SHA256Hasher{},
		Outbox:        outboxStore,
		Workflows:     aggregates,
		Runs:          aggregates,
		Workspaces:    aggregates,
		Registrations: aggregates,
		Approvals:     aggregates,
		Agents:        aggregates,
		Logger:        slog.Default(),
	})
	limits := strictestLimits(profiles)
	dispatcher := outbox.NewDispatcher(outboxStore, logPublisher{}, app.UTCClock{}, limits.dispatcherOptions()...)
	go dispatcher.Run(ctx, time.Duration(cfg.SweepIntervalMS)*time.Millisecond)
	slog.Info("outbox dispatcher started",
		"interval_ms", cfg.SweepIntervalMS,
		"batch_size", limits.OutboxBatchSize, "publish_per_second", limits.PublishPerSecond)

	if limits.IdempotencyRetention > 0 {
		go runIdempotencyCleanup(ctx, idemStore, limits.IdempotencyRetention)
	}

	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(service, auth.NewTokenManager([]byte(cfg.JWTSecret)), obs).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// buildAuthorizer merges per-tenant authz overrides from profiles over the
// default role rules.
func buildAuthorizer(profiles map[string]*config.TenantProfile) (app.Authorizer, error) {
	rules := auth.DefaultRules()
	for _, p := range profiles {
		for action, expr := range p.Authz {
			rules[action] = expr
		}
	}
	return auth.NewCELAuthorizer(rules, rolesFromEnv())
}

// rolesFromEnv reads a static principal role map from PRINCIPAL_ROLES, e.g.
// "user-1=admin;user-2=operator,approver". Deployments with a directory
// replace this lookup.
func rolesFromEnv() auth.RoleLookup {
	raw := os.Getenv("PRINCIPAL_ROLES")
	byPrincipal := map[string][]string{}
	for _, pair := range strings.Split(raw, ";") {
		name, roles, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		byPrincipal[name] = strings.Split(roles, ",")
	}
	return func(_, principalID string) []string {
		return byPrincipal[principalID]
	}
}

// runIdempotencyCleanup purges cached results older than the retention window
// once a day until the context is cancelled.
func runIdempotencyCleanup(ctx context.Context, store *idempotency.PostgresStore, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx, retentionDays); err != nil {
				slog.Warn("idempotency cleanup", "error", err)
			}
		}
	}
}

// logPublisher stands in for the event bus in single-node deployments: it
// logs each delivered envelope. Replace with a broker publisher in
// production.
type logPublisher struct{}

func (logPublisher) Publish(_ context.Context, ev events.CloudEvent) error {
	slog.Info("event published",
		"event_id", ev.ID, "type", ev.Type, "tenant_id", ev.TenantID, "correlation_id", ev.CorrelationID)
	return nil
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
