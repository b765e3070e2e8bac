// Package staleness runs the periodic sweep over all scopes with
// rankings: it re-checks validity in both directions (catching missed
// invalidation notifications and restoring stale lists the active set
// matches again), sends one reminder per stale period after 48 hours,
// and one grace-period-ended notice when the 7-day grace period runs
// out. Notification transport is the caller's; the sweeper only decides
// when an event is due.
package staleness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kyosei-dev/junban/internal/cache"
	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/telemetry"
)

// Timing constants carried over from the host platform.
const (
	// GracePeriod is how long after a list becomes stale the grace
	// period lasts.
	GracePeriod = 7 * 24 * time.Hour
	// ReminderAfter is how long after a list becomes stale the first
	// reminder is sent.
	ReminderAfter = 48 * time.Hour
)

// Store is the slice of the ranked-list store the sweeper needs.
type Store interface {
	ListScopes(ctx context.Context) ([]model.Scope, error)
	ScanAll(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error)
	MarkInvalid(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error)
	MarkRevalidated(ctx context.Context, ids []uuid.UUID) (int, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkGraceNoticed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ItemSource supplies the current active item set for a scope.
type ItemSource interface {
	ActiveItems(ctx context.Context, scope model.Scope) ([]model.ActiveItem, error)
}

// Notifier delivers staleness events to users. Implementations belong
// to the host application (e.g. its notification/matrix module).
type Notifier interface {
	NotifyStale(ctx context.Context, event model.StaleEvent) error
}

// Sweeper periodically reconciles staleness state and notification
// bookkeeping for every scope.
type Sweeper struct {
	store    Store
	cache    *cache.Cache
	items    ItemSource
	notifier Notifier
	logger   *slog.Logger

	// now is the clock; overridable in tests.
	now func() time.Time

	eventsSent metric.Int64Counter
}

// New creates a Sweeper. notifier may be nil, in which case the sweep
// still reconciles validity flags but sends nothing.
func New(store Store, aggCache *cache.Cache, items ItemSource, notifier Notifier, logger *slog.Logger) *Sweeper {
	meter := telemetry.Meter("junban/staleness")
	eventsSent, _ := meter.Int64Counter("junban.staleness.events_sent",
		metric.WithDescription("Staleness reminder and grace-ended events delivered"),
	)
	return &Sweeper{
		store:      store,
		cache:      aggCache,
		items:      items,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		eventsSent: eventsSent,
	}
}

// Run sweeps at the given interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("staleness sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes every scope once. Per-scope errors abort the sweep so
// the caller's next tick retries; all bookkeeping writes are idempotent
// per stale period, so a partial sweep never double-sends.
func (s *Sweeper) Sweep(ctx context.Context) error {
	scopes, err := s.store.ListScopes(ctx)
	if err != nil {
		return fmt.Errorf("staleness: list scopes: %w", err)
	}
	for _, scope := range scopes {
		if err := s.sweepScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) sweepScope(ctx context.Context, scope model.Scope) error {
	active, err := s.items.ActiveItems(ctx, scope)
	if err != nil {
		return fmt.Errorf("staleness: fetch active items for %s: %w", scope, err)
	}
	activeIDs := model.ActiveItemIDs(active)

	records, err := s.store.ScanAll(ctx, scope)
	if err != nil {
		return fmt.Errorf("staleness: scan %s: %w", scope, err)
	}

	now := s.now().UTC()
	var newlyStale, completeAgain []uuid.UUID
	for _, r := range records {
		if r.MatchesActiveSet(activeIDs) {
			if !r.IsValid {
				// The set changed back to exactly what this ranking
				// covers; restore it instead of leaving it excluded
				// from aggregation until the user re-saves.
				completeAgain = append(completeAgain, r.ID)
			}
			continue
		}
		if r.IsValid {
			// Missed or not-yet-delivered invalidation; flag it here.
			newlyStale = append(newlyStale, r.ID)
			continue
		}
		if r.BecameStaleAt == nil {
			continue
		}
		s.processStale(ctx, scope, r, activeIDs, now)
	}

	if len(newlyStale) > 0 {
		updated, err := s.store.MarkInvalid(ctx, newlyStale, now)
		if err != nil {
			return fmt.Errorf("staleness: mark invalid in %s: %w", scope, err)
		}
		s.cache.InvalidateScope(scope)
		s.logger.Info("sweep flagged stale rankings", "scope", scope.String(), "flagged", updated)
	}
	if len(completeAgain) > 0 {
		restored, err := s.store.MarkRevalidated(ctx, completeAgain)
		if err != nil {
			return fmt.Errorf("staleness: mark revalidated in %s: %w", scope, err)
		}
		s.cache.InvalidateScope(scope)
		s.logger.Info("sweep restored complete-again rankings", "scope", scope.String(), "restored", restored)
	}
	return nil
}

// processStale sends whichever notifications are due for one stale
// record. Each fires at most once per stale period: the bookkeeping
// timestamp must predate becameStaleAt (or be unset) for the event to
// be due, and it is stamped only after successful delivery so failures
// retry on the next sweep.
func (s *Sweeper) processStale(ctx context.Context, scope model.Scope, r model.PersonalRanking, activeIDs map[string]bool, now time.Time) {
	if s.notifier == nil {
		return
	}
	staleAt := *r.BecameStaleAt
	graceEndsAt := staleAt.Add(GracePeriod)
	event := model.StaleEvent{
		Scope:         scope,
		UserID:        r.UserID,
		UnrankedCount: r.UnrankedCount(activeIDs),
		BecameStaleAt: staleAt,
		GraceEndsAt:   graceEndsAt,
	}

	reminderDue := now.After(staleAt.Add(ReminderAfter)) &&
		(r.LastReminderAt == nil || r.LastReminderAt.Before(staleAt))
	if reminderDue {
		event.Kind = model.StaleReminder
		if err := s.notifier.NotifyStale(ctx, event); err != nil {
			s.logger.Warn("stale reminder delivery failed", "scope", scope.String(), "user_id", r.UserID, "error", err)
		} else if err := s.store.MarkReminded(ctx, r.ID, now); err != nil {
			s.logger.Warn("stale reminder bookkeeping failed", "scope", scope.String(), "user_id", r.UserID, "error", err)
		} else {
			s.eventsSent.Add(ctx, 1)
		}
	}

	graceDue := now.After(graceEndsAt) &&
		(r.LastGraceNoticeAt == nil || r.LastGraceNoticeAt.Before(staleAt))
	if graceDue {
		event.Kind = model.GracePeriodEnded
		if err := s.notifier.NotifyStale(ctx, event); err != nil {
			s.logger.Warn("grace-ended notice delivery failed", "scope", scope.String(), "user_id", r.UserID, "error", err)
		} else if err := s.store.MarkGraceNoticed(ctx, r.ID, now); err != nil {
			s.logger.Warn("grace-ended bookkeeping failed", "scope", scope.String(), "user_id", r.UserID, "error", err)
		} else {
			s.eventsSent.Add(ctx, 1)
		}
	}
}
