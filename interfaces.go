package junban

import (
	"context"
	"net/http"
)

// ItemSource supplies the current active item set for a scope.
// The engine never stores active sets; every validation, aggregate
// recompute, and staleness sweep fetches the set fresh through this
// interface. Required — New() fails without one.
type ItemSource interface {
	ActiveItems(ctx context.Context, entityID, itemType string) ([]ActiveItem, error)
}

// MembershipSource resolves a sub-group filter handle to its member
// user ids. Consulted only when a view requests a filtered aggregate;
// optional — without one, filtered views return an error.
type MembershipSource interface {
	SubGroupMembers(ctx context.Context, entityID, itemType, filter string) ([]string, error)
}

// StaleNotifier receives staleness events from the sweeper. Delivery
// bookkeeping is only stamped after NotifyStale returns nil, so a
// failing notifier is retried on the next sweep. Optional — without
// one, events are logged and considered delivered.
type StaleNotifier interface {
	NotifyStale(ctx context.Context, event StaleEvent) error
}

// Middleware wraps the root HTTP handler. Applied outermost (before
// routing), so it sees all requests including /health. Multiple
// middlewares are applied in registration order (first-registered =
// outermost).
type Middleware func(http.Handler) http.Handler
