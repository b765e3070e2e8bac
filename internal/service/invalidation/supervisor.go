// Package invalidation reacts to active-item-set changes: it rescans a
// scope's personal rankings, flags the ones whose item set no longer
// matches, and drops the scope's cached aggregates.
//
// Rankings are only ever flagged, never deleted or rewritten. A flag
// is lifted when the user re-submits a full ranking, or when the
// active set changes back to exactly what the stale ranking covers.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kyosei-dev/junban/internal/cache"
	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/storage"
	"github.com/kyosei-dev/junban/internal/telemetry"
)

// Store is the slice of the ranked-list store the supervisor needs.
// ScanAll (not ScanValid) so already-stale records are visible: they
// are either skipped (still mismatched) or revalidated (complete
// again).
type Store interface {
	ScanAll(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error)
	MarkInvalid(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error)
	MarkRevalidated(ctx context.Context, ids []uuid.UUID) (int, error)
}

// ItemSource supplies the current active item set for a scope.
type ItemSource interface {
	ActiveItems(ctx context.Context, scope model.Scope) ([]model.ActiveItem, error)
}

// Listener is the LISTEN/NOTIFY subset of the Postgres storage layer,
// used by Run to receive change notifications in-database.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Supervisor watches for active-set changes and keeps validity flags
// and the aggregate cache consistent with them.
type Supervisor struct {
	store  Store
	cache  *cache.Cache
	items  ItemSource
	logger *slog.Logger

	invalidated metric.Int64Counter
	revalidated metric.Int64Counter
}

// New creates a Supervisor.
func New(store Store, aggCache *cache.Cache, items ItemSource, logger *slog.Logger) *Supervisor {
	meter := telemetry.Meter("junban/invalidation")
	invalidated, _ := meter.Int64Counter("junban.invalidation.rankings_invalidated",
		metric.WithDescription("Personal rankings flagged stale by active-set changes"),
	)
	revalidated, _ := meter.Int64Counter("junban.invalidation.rankings_revalidated",
		metric.WithDescription("Stale personal rankings restored by the active set changing back"),
	)
	return &Supervisor{
		store:       store,
		cache:       aggCache,
		items:       items,
		logger:      logger,
		invalidated: invalidated,
		revalidated: revalidated,
	}
}

// OnActiveSetChanged rescans the scope against the current active item
// set, marks mismatched valid rankings stale, restores stale rankings
// whose item set matches again (an item added then removed leaves the
// ranking complete without a re-save), and drops every cached aggregate
// for the scope. Returns how many rankings were flagged.
//
// Safe to call redundantly or concurrently: the mismatch set is
// computed from a snapshot scan and both marks skip records already in
// the target state, so duplicate notifications converge to the same
// state. Errors are returned so the caller can retry (at-least-once
// delivery); a missed invalidation would leave stale rankings marked
// valid.
func (s *Supervisor) OnActiveSetChanged(ctx context.Context, scope model.Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	active, err := s.items.ActiveItems(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("invalidation: fetch active items: %w", err)
	}
	activeIDs := model.ActiveItemIDs(active)

	records, err := s.store.ScanAll(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("invalidation: scan rankings: %w", err)
	}

	var mismatched, completeAgain []uuid.UUID
	for _, r := range records {
		switch {
		case r.IsValid && !r.MatchesActiveSet(activeIDs):
			mismatched = append(mismatched, r.ID)
		case !r.IsValid && r.MatchesActiveSet(activeIDs):
			completeAgain = append(completeAgain, r.ID)
		}
	}

	updated := 0
	if len(mismatched) > 0 {
		updated, err = s.store.MarkInvalid(ctx, mismatched, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("invalidation: mark invalid: %w", err)
		}
		s.invalidated.Add(ctx, int64(updated))
		s.logger.Info("rankings flagged stale",
			"scope", scope.String(), "flagged", updated, "active_items", len(activeIDs))
	}

	if len(completeAgain) > 0 {
		restored, err := s.store.MarkRevalidated(ctx, completeAgain)
		if err != nil {
			return 0, fmt.Errorf("invalidation: mark revalidated: %w", err)
		}
		s.revalidated.Add(ctx, int64(restored))
		s.logger.Info("rankings restored",
			"scope", scope.String(), "restored", restored, "active_items", len(activeIDs))
	}

	// Drop cached aggregates even when nothing was flagged: a new item
	// with zero votes still changes the rank map.
	s.cache.InvalidateScope(scope)
	return updated, nil
}

// Run listens on the active-set channel and dispatches notifications to
// OnActiveSetChanged until the context is cancelled. Malformed payloads
// are logged and skipped; processing errors are logged and left to the
// next notification for the scope (delivery is at-least-once).
func (s *Supervisor) Run(ctx context.Context, listener Listener) error {
	if err := listener.Listen(ctx, storage.ChannelActiveSet); err != nil {
		return err
	}
	s.logger.Info("invalidation supervisor listening", "channel", storage.ChannelActiveSet)

	for {
		_, payload, err := listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("invalidation: wait for notification: %w", err)
		}
		scope, err := model.ParseScope(payload)
		if err != nil {
			s.logger.Warn("ignoring malformed active-set notification", "payload", payload, "error", err)
			continue
		}
		if _, err := s.OnActiveSetChanged(ctx, scope); err != nil {
			s.logger.Error("active-set change processing failed", "scope", scope.String(), "error", err)
		}
	}
}
