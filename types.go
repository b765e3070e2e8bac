package junban

import "time"

// ActiveItem is one member of a scope's active item set, supplied by
// the host platform's ItemSource.
type ActiveItem struct {
	ID        string
	CreatedAt time.Time
}

// Ranking is one user's stored ordering for a scope. OrderedItems is
// order-significant: index 0 is the most preferred item.
type Ranking struct {
	EntityID      string
	ItemType      string
	UserID        string
	OrderedItems  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsValid       bool
	BecameStaleAt *time.Time
}

// ScopeView is the combined read-side view for one viewer: the
// consensus rank map plus the viewer's participation state.
type ScopeView struct {
	EntityID          string
	ItemType          string
	Filter            string
	RankMap           map[string]int
	TotalRankers      int
	Personal          *Ranking
	HasRanked         bool
	UnrankedCount     int
	RankUpdatedAt     *time.Time
	RankBecameStaleAt *time.Time
}

// StaleEventKind distinguishes the two staleness notifications.
type StaleEventKind string

const (
	// StaleReminder fires once per stale period, 48 hours after a
	// ranking becomes stale.
	StaleReminder StaleEventKind = "stale_reminder"
	// GracePeriodEnded fires once per stale period, when the 7-day
	// grace period expires.
	GracePeriodEnded StaleEventKind = "grace_period_ended"
)

// StaleEvent is delivered to the host's StaleNotifier when a user's
// ranking needs attention.
type StaleEvent struct {
	Kind          StaleEventKind
	EntityID      string
	ItemType      string
	UserID        string
	UnrankedCount int
	BecameStaleAt time.Time
	GraceEndsAt   time.Time
}
