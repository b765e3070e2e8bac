package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kyosei-dev/junban"
	"github.com/kyosei-dev/junban/internal/config"
	"github.com/kyosei-dev/junban/internal/hostclient"
	"github.com/kyosei-dev/junban/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("JUNBAN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// The standalone binary reaches the host platform over HTTP; the
	// item-source URL is how it learns each scope's active item set.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ItemSourceURL == "" {
		return fmt.Errorf("JUNBAN_ITEM_SOURCE_URL is required (embedded consumers use junban.WithItemSource instead)")
	}

	host := hostclient.New(cfg.ItemSourceURL, cfg.StaleWebhookURL, logger)

	app, err := junban.New(
		junban.WithLogger(logger),
		junban.WithVersion(version),
		junban.WithItemSource(itemSource{host}),
		junban.WithStaleNotifier(staleNotifier{host}),
	)
	if err != nil {
		return err
	}

	return app.Run(ctx)
}

// itemSource bridges the hostclient to the public junban.ItemSource.
type itemSource struct {
	c *hostclient.Client
}

func (s itemSource) ActiveItems(ctx context.Context, entityID, itemType string) ([]junban.ActiveItem, error) {
	items, err := s.c.ActiveItems(ctx, model.Scope{EntityID: entityID, ItemType: itemType})
	if err != nil {
		return nil, err
	}
	out := make([]junban.ActiveItem, len(items))
	for i, it := range items {
		out[i] = junban.ActiveItem{ID: it.ID, CreatedAt: it.CreatedAt}
	}
	return out, nil
}

// staleNotifier bridges the hostclient webhook to junban.StaleNotifier.
type staleNotifier struct {
	c *hostclient.Client
}

func (n staleNotifier) NotifyStale(ctx context.Context, event junban.StaleEvent) error {
	return n.c.NotifyStale(ctx, model.StaleEvent{
		Kind:          model.StaleEventKind(event.Kind),
		Scope:         model.Scope{EntityID: event.EntityID, ItemType: event.ItemType},
		UserID:        event.UserID,
		UnrankedCount: event.UnrankedCount,
		BecameStaleAt: event.BecameStaleAt,
		GraceEndsAt:   event.GraceEndsAt,
	})
}
