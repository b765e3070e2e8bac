// Package ranking provides the shared business logic for saving and
// reading rankings: validation against the active item set, aggregate
// computation through the cache, and the combined scope view.
//
// Both the HTTP API and the embedded library surface delegate here so
// behavior stays consistent across entry points. The package is
// permission-agnostic: callers must hold the authorization to rank or
// view a scope before invoking it.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kyosei-dev/junban/internal/cache"
	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/rank"
	"github.com/kyosei-dev/junban/internal/storage"
	"github.com/kyosei-dev/junban/internal/telemetry"
)

// Store is the slice of the ranked-list store this service needs.
type Store interface {
	UpsertRanking(ctx context.Context, scope model.Scope, userID string, orderedItems []string) (model.PersonalRanking, error)
	GetRanking(ctx context.Context, scope model.Scope, userID string) (model.PersonalRanking, error)
	ScanValid(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error)
}

// ItemSource supplies the current active item set for a scope. Provided
// by the item-lifecycle module; the engine never stores active sets.
type ItemSource interface {
	ActiveItems(ctx context.Context, scope model.Scope) ([]model.ActiveItem, error)
}

// MembershipSource resolves sub-group filters to member user ids.
// Consulted only when a view requests a filtered aggregate.
type MembershipSource interface {
	SubGroupMembers(ctx context.Context, scope model.Scope, filter string) (map[string]bool, error)
}

// Service encapsulates ranking business logic.
type Service struct {
	store    Store
	cache    *cache.Cache
	items    ItemSource
	members  MembershipSource
	strategy rank.Strategy
	logger   *slog.Logger

	saveDuration      metric.Float64Histogram
	aggregateDuration metric.Float64Histogram
}

// New creates a ranking Service. members may be nil if sub-group
// filtering is never requested; strategy defaults to Borda when nil.
func New(store Store, aggCache *cache.Cache, items ItemSource, members MembershipSource, strategy rank.Strategy, logger *slog.Logger) *Service {
	if strategy == nil {
		strategy = rank.Borda{}
	}
	meter := telemetry.Meter("junban/ranking")
	saveDur, _ := meter.Float64Histogram("junban.ranking.save.duration",
		metric.WithDescription("Time to validate and persist a personal ranking (ms)"),
		metric.WithUnit("ms"),
	)
	aggDur, _ := meter.Float64Histogram("junban.ranking.aggregate.duration",
		metric.WithDescription("Time to recompute an aggregate entry (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:             store,
		cache:             aggCache,
		items:             items,
		members:           members,
		strategy:          strategy,
		logger:            logger,
		saveDuration:      saveDur,
		aggregateDuration: aggDur,
	}
}

// Strategy returns the active scoring strategy.
func (s *Service) Strategy() rank.Strategy {
	return s.strategy
}

// SaveRanking validates and persists one user's ranking for a scope.
//
// The submission must be a total order over exactly the current active
// item set; anything else returns a *model.ValidationError and leaves
// any prior ranking untouched. On success the stored record is valid,
// its staleness fields are cleared, and every cached aggregate for the
// scope is dropped (the next read recomputes).
func (s *Service) SaveRanking(ctx context.Context, scope model.Scope, userID string, orderedItems []string) (model.PersonalRanking, error) {
	if err := scope.Validate(); err != nil {
		return model.PersonalRanking{}, err
	}
	if userID == "" {
		return model.PersonalRanking{}, fmt.Errorf("ranking: user id is required")
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("junban.scope", scope.String()),
		attribute.String("junban.user_id", userID),
	)

	start := time.Now()
	active, err := s.items.ActiveItems(ctx, scope)
	if err != nil {
		return model.PersonalRanking{}, fmt.Errorf("ranking: fetch active items: %w", err)
	}
	if err := model.ValidateRanking(orderedItems, model.ActiveItemIDs(active)); err != nil {
		return model.PersonalRanking{}, err
	}

	saved, err := s.store.UpsertRanking(ctx, scope, userID, orderedItems)
	if err != nil {
		return model.PersonalRanking{}, err
	}
	s.saveDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	s.cache.InvalidateScope(scope)
	s.logger.Debug("ranking saved", "scope", scope.String(), "user_id", userID, "items", len(orderedItems))
	return saved, nil
}

// GetPersonalRanking returns the user's ranking for the scope, or nil
// if the user has never ranked it.
func (s *Service) GetPersonalRanking(ctx context.Context, scope model.Scope, userID string) (*model.PersonalRanking, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	r, err := s.store.GetRanking(ctx, scope, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetScopeView returns the aggregate for (scope, filter) together with
// the viewer's own participation state. An empty scope (no active
// items) is a normal state and yields an empty aggregate, not an error.
// The view performs no writes.
func (s *Service) GetScopeView(ctx context.Context, scope model.Scope, viewerUserID, filter string) (model.ScopeView, error) {
	if err := scope.Validate(); err != nil {
		return model.ScopeView{}, err
	}

	entry, err := s.cache.GetOrCompute(ctx, scope, filter, func(ctx context.Context, version uint64) (model.AggregateEntry, error) {
		return s.computeAggregate(ctx, scope, filter, version)
	})
	if err != nil {
		return model.ScopeView{}, err
	}

	view := model.ScopeView{
		Scope:        scope,
		Filter:       filter,
		RankMap:      entry.RankMap,
		TotalRankers: entry.TotalRankers,
	}

	active, err := s.items.ActiveItems(ctx, scope)
	if err != nil {
		return model.ScopeView{}, fmt.Errorf("ranking: fetch active items: %w", err)
	}

	personal, err := s.GetPersonalRanking(ctx, scope, viewerUserID)
	if err != nil {
		return model.ScopeView{}, err
	}
	activeIDs := model.ActiveItemIDs(active)
	if personal != nil {
		// A stale-but-present ranking still counts as participation.
		view.Personal = personal
		view.HasRanked = true
		view.UnrankedCount = personal.UnrankedCount(activeIDs)
		updatedAt := personal.UpdatedAt
		view.RankUpdatedAt = &updatedAt
		view.RankBecameStaleAt = personal.BecameStaleAt
	} else {
		view.UnrankedCount = len(activeIDs)
	}
	return view, nil
}

// computeAggregate builds a candidate aggregate entry. The active set
// is fetched here, after the cache assigned the version, so a change
// that lands during the fetch raises the commit floor above this
// candidate and forces a recompute. Safe to abandon mid-flight:
// nothing is written until the cache commit, which the caller performs
// only on success.
func (s *Service) computeAggregate(ctx context.Context, scope model.Scope, filter string, version uint64) (model.AggregateEntry, error) {
	start := time.Now()
	active, err := s.items.ActiveItems(ctx, scope)
	if err != nil {
		return model.AggregateEntry{}, fmt.Errorf("ranking: fetch active items: %w", err)
	}
	rankings, err := s.store.ScanValid(ctx, scope)
	if err != nil {
		return model.AggregateEntry{}, err
	}

	if filter != "" {
		if s.members == nil {
			return model.AggregateEntry{}, fmt.Errorf("ranking: sub-group filter %q requested but no membership source configured", filter)
		}
		memberIDs, err := s.members.SubGroupMembers(ctx, scope, filter)
		if err != nil {
			return model.AggregateEntry{}, fmt.Errorf("ranking: fetch sub-group members: %w", err)
		}
		filtered := rankings[:0]
		for _, r := range rankings {
			if memberIDs[r.UserID] {
				filtered = append(filtered, r)
			}
		}
		rankings = filtered
	}

	rankMap, totalRankers := rank.Aggregate(rankings, active, s.strategy)
	s.aggregateDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("junban.strategy", s.strategy.Name())))

	s.logger.Debug("aggregate recomputed",
		"scope", scope.String(), "filter", filter,
		"total_rankers", totalRankers, "items", len(rankMap))

	return model.AggregateEntry{
		Scope:        scope,
		Filter:       filter,
		RankMap:      rankMap,
		TotalRankers: totalRankers,
		ComputedAt:   version,
	}, nil
}
