// Package junban is the public API for embedding the Junban ranking
// aggregation engine.
//
// Host platforms import this package to run the engine inside their own
// process instead of deploying the standalone binary:
//
//	app, err := junban.New(
//	    junban.WithLogger(logger),
//	    junban.WithItemSource(myItems),
//	    junban.WithStaleNotifier(myNotifier),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: junban (root)
// imports internal/*, but internal/* never imports junban (root).
// Public types (ActiveItem, StaleEvent, etc.) are standalone structs
// with no internal imports; the conversion helpers live here because
// this is the only file that sees both sides of the boundary.
package junban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/kyosei-dev/junban/internal/cache"
	"github.com/kyosei-dev/junban/internal/config"
	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/rank"
	"github.com/kyosei-dev/junban/internal/server"
	"github.com/kyosei-dev/junban/internal/service/invalidation"
	"github.com/kyosei-dev/junban/internal/service/ranking"
	"github.com/kyosei-dev/junban/internal/service/staleness"
	"github.com/kyosei-dev/junban/internal/storage"
	"github.com/kyosei-dev/junban/internal/telemetry"
	"github.com/kyosei-dev/junban/migrations"
)

// App is the Junban server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	rankingSvc   *ranking.Service
	supervisor   *invalidation.Supervisor
	sweeper      *staleness.Sweeper
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Junban server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	if o.items == nil {
		return nil, fmt.Errorf("junban: an ItemSource is required (use WithItemSource)")
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.strategy != "" {
		cfg.RankStrategy = o.strategy
	}
	if o.sweepInterval != 0 {
		cfg.SweepInterval = o.sweepInterval
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("junban starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then any extra ones.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Wire the core: cache, strategy, services.
	aggCache := cache.New()
	strategy := rank.ByName(cfg.RankStrategy)
	items := &itemSourceAdapter{src: o.items}

	var members ranking.MembershipSource
	if o.members != nil {
		members = &membershipAdapter{src: o.members}
	}

	var notifier staleness.Notifier
	if o.notifier != nil {
		notifier = &notifierAdapter{n: o.notifier}
	} else {
		notifier = &loggingNotifier{logger: logger}
	}

	rankingSvc := ranking.New(db, aggCache, items, members, strategy, logger)
	supervisor := invalidation.New(db, aggCache, items, logger)
	sweeper := staleness.New(db, aggCache, items, notifier, logger)

	// Adapt middlewares from junban.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, (func(http.Handler) http.Handler)(mw))
	}

	srv := server.New(server.ServerConfig{
		RankingSvc: rankingSvc,
		Supervisor: supervisor,
		Logger:     logger,
		Ping: func(r *http.Request) error {
			return db.Ping(r.Context())
		},
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		rankingSvc:   rankingSvc,
		supervisor:   supervisor,
		sweeper:      sweeper,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the invalidation listener, the staleness sweeper, and the
// HTTP server, then blocks until ctx is cancelled or a fatal server
// error occurs. On return, Shutdown is called automatically — callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Invalidation listener (requires the direct notify connection).
	if a.db.HasNotifyConn() {
		go func() {
			if err := a.supervisor.Run(ctx, a.db); err != nil {
				a.logger.Error("invalidation listener stopped", "error", err)
			}
		}()
	} else {
		a.logger.Info("invalidation listener: disabled (no notify connection); relying on the HTTP event endpoint")
	}

	// Staleness sweeper.
	go a.sweeper.Run(ctx, a.cfg.SweepInterval)

	// HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the database
// pool and OTEL providers. Background loops stop with the Run context.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("junban shutting down")

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("junban stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// itemSourceAdapter wraps a junban.ItemSource to satisfy the internal
// services' ItemSource interfaces.
type itemSourceAdapter struct {
	src ItemSource
}

func (a *itemSourceAdapter) ActiveItems(ctx context.Context, scope model.Scope) ([]model.ActiveItem, error) {
	items, err := a.src.ActiveItems(ctx, scope.EntityID, scope.ItemType)
	if err != nil {
		return nil, err
	}
	out := make([]model.ActiveItem, len(items))
	for i, it := range items {
		out[i] = model.ActiveItem{ID: it.ID, CreatedAt: it.CreatedAt}
	}
	return out, nil
}

// membershipAdapter wraps a junban.MembershipSource, converting the
// member list to the set form the ranking service filters with.
type membershipAdapter struct {
	src MembershipSource
}

func (a *membershipAdapter) SubGroupMembers(ctx context.Context, scope model.Scope, filter string) (map[string]bool, error) {
	ids, err := a.src.SubGroupMembers(ctx, scope.EntityID, scope.ItemType, filter)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	return members, nil
}

// notifierAdapter wraps a junban.StaleNotifier to satisfy staleness.Notifier.
type notifierAdapter struct {
	n StaleNotifier
}

func (a *notifierAdapter) NotifyStale(ctx context.Context, event model.StaleEvent) error {
	return a.n.NotifyStale(ctx, toPublicStaleEvent(event))
}

// loggingNotifier logs staleness events when no notifier is configured.
// Returning nil marks the event delivered so sweeps don't retry forever.
type loggingNotifier struct {
	logger *slog.Logger
}

func (n *loggingNotifier) NotifyStale(_ context.Context, event model.StaleEvent) error {
	n.logger.Info("stale event (no notifier configured)",
		"kind", string(event.Kind),
		"scope", event.Scope.String(),
		"user_id", event.UserID,
		"unranked", event.UnrankedCount,
	)
	return nil
}

// ── Type converters ────────────────────────────────────────────────────────────

func toPublicStaleEvent(e model.StaleEvent) StaleEvent {
	return StaleEvent{
		Kind:          StaleEventKind(e.Kind),
		EntityID:      e.Scope.EntityID,
		ItemType:      e.Scope.ItemType,
		UserID:        e.UserID,
		UnrankedCount: e.UnrankedCount,
		BecameStaleAt: e.BecameStaleAt,
		GraceEndsAt:   e.GraceEndsAt,
	}
}

func toPublicRanking(r model.PersonalRanking) Ranking {
	return Ranking{
		EntityID:      r.Scope.EntityID,
		ItemType:      r.Scope.ItemType,
		UserID:        r.UserID,
		OrderedItems:  r.OrderedItems,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		IsValid:       r.IsValid,
		BecameStaleAt: r.BecameStaleAt,
	}
}

func toPublicScopeView(v model.ScopeView) ScopeView {
	out := ScopeView{
		EntityID:          v.Scope.EntityID,
		ItemType:          v.Scope.ItemType,
		Filter:            v.Filter,
		RankMap:           v.RankMap,
		TotalRankers:      v.TotalRankers,
		HasRanked:         v.HasRanked,
		UnrankedCount:     v.UnrankedCount,
		RankUpdatedAt:     v.RankUpdatedAt,
		RankBecameStaleAt: v.RankBecameStaleAt,
	}
	if v.Personal != nil {
		p := toPublicRanking(*v.Personal)
		out.Personal = &p
	}
	return out
}
