package junban

import (
	"context"
	"errors"

	"github.com/kyosei-dev/junban/internal/model"
)

// ErrInvalidRanking wraps validation failures returned by SaveRanking.
// Use errors.Is to detect them; the error message names every defect
// (duplicates, unknown items, unranked active items).
var ErrInvalidRanking = errors.New("junban: invalid ranking")

// SaveRanking validates and persists one user's complete ordering over
// the scope's current active item set. The submission must be a total
// order over exactly that set; anything else fails with an error
// matching ErrInvalidRanking and leaves any prior ranking untouched.
//
// Direct equivalent of POST /v1/scopes/{entity}/{type}/rankings for
// embedded consumers.
func (a *App) SaveRanking(ctx context.Context, entityID, itemType, userID string, orderedItems []string) (Ranking, error) {
	scope := model.Scope{EntityID: entityID, ItemType: itemType}
	saved, err := a.rankingSvc.SaveRanking(ctx, scope, userID, orderedItems)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			return Ranking{}, errors.Join(ErrInvalidRanking, verr)
		}
		return Ranking{}, err
	}
	return toPublicRanking(saved), nil
}

// GetRanking returns the user's stored ranking for a scope, or nil if
// the user has never ranked it. Stale rankings are returned too, with
// IsValid false.
func (a *App) GetRanking(ctx context.Context, entityID, itemType, userID string) (*Ranking, error) {
	scope := model.Scope{EntityID: entityID, ItemType: itemType}
	rec, err := a.rankingSvc.GetPersonalRanking(ctx, scope, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	out := toPublicRanking(*rec)
	return &out, nil
}

// GetScopeView returns the consensus ranking plus the viewer's own
// participation state. viewerUserID and filter may be empty; a
// non-empty filter restricts the aggregate to the named sub-group's
// members and requires a MembershipSource.
func (a *App) GetScopeView(ctx context.Context, entityID, itemType, viewerUserID, filter string) (ScopeView, error) {
	scope := model.Scope{EntityID: entityID, ItemType: itemType}
	view, err := a.rankingSvc.GetScopeView(ctx, scope, viewerUserID, filter)
	if err != nil {
		return ScopeView{}, err
	}
	return toPublicScopeView(view), nil
}

// ActiveSetChanged tells the engine the scope's item set mutated: it
// flags rankings that no longer match the active set and drops cached
// aggregates. Idempotent; returns how many rankings were flagged.
//
// Call this after every add, remove, or completion in the host's item
// lifecycle, or rely on pg_notify on the junban_active_set channel.
func (a *App) ActiveSetChanged(ctx context.Context, entityID, itemType string) (int, error) {
	scope := model.Scope{EntityID: entityID, ItemType: itemType}
	return a.supervisor.OnActiveSetChanged(ctx, scope)
}

// SweepNow runs one staleness sweep immediately, outside the periodic
// schedule. Useful for tests and host-driven cron setups.
func (a *App) SweepNow(ctx context.Context) error {
	return a.sweeper.Sweep(ctx)
}
