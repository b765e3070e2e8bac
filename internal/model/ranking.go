// Package model defines the core domain types for the ranking engine:
// scopes, personal rankings, aggregate entries, and the view types
// returned to callers.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item type tags carried over from the host platform. The engine treats
// the tag as opaque; these constants exist for callers' convenience.
const (
	ItemTypeTasks     = "tasks"
	ItemTypeGoals     = "goals"
	ItemTypeIssues    = "issues"
	ItemTypeProposals = "proposals"
)

// Scope identifies the unit under which rankings and aggregates are
// grouped: a container entity (e.g. a circle id) plus an item-type tag.
type Scope struct {
	EntityID string `json:"entity_id"`
	ItemType string `json:"item_type"`
}

// String renders the scope as "entity_id/item_type". This is also the
// wire form used in pg_notify payloads.
func (s Scope) String() string {
	return s.EntityID + "/" + s.ItemType
}

// ParseScope parses the "entity_id/item_type" wire form.
func ParseScope(raw string) (Scope, error) {
	entity, itemType, ok := strings.Cut(raw, "/")
	if !ok || entity == "" || itemType == "" {
		return Scope{}, fmt.Errorf("model: malformed scope %q", raw)
	}
	return Scope{EntityID: entity, ItemType: itemType}, nil
}

// Validate checks that both scope components are present.
func (s Scope) Validate() error {
	if s.EntityID == "" {
		return fmt.Errorf("model: scope entity_id is required")
	}
	if s.ItemType == "" {
		return fmt.Errorf("model: scope item_type is required")
	}
	return nil
}

// ActiveItem is one member of the externally-supplied active item set.
// CreatedAt is the stable creation-order key used for tie-breaking.
type ActiveItem struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// PersonalRanking is one user's total order over the active item set
// for a scope. OrderedItems is order-significant: index 0 is the most
// preferred item.
//
// Lifecycle: created on first save (CreatedAt fixed forever after);
// every subsequent save overwrites OrderedItems and UpdatedAt and
// resets IsValid true / BecameStaleAt nil. The invalidation supervisor
// is the only other writer, and only toggles IsValid/BecameStaleAt; it
// never rewrites OrderedItems. Records are never deleted automatically.
type PersonalRanking struct {
	ID            uuid.UUID  `json:"id"`
	Scope         Scope      `json:"scope"`
	UserID        string     `json:"user_id"`
	OrderedItems  []string   `json:"ordered_items"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	IsValid       bool       `json:"is_valid"`
	BecameStaleAt *time.Time `json:"became_stale_at,omitempty"`

	// Staleness-notification bookkeeping (one reminder and one
	// grace-ended notice per stale period). Cleared on re-save.
	LastReminderAt    *time.Time `json:"last_reminder_at,omitempty"`
	LastGraceNoticeAt *time.Time `json:"last_grace_notice_at,omitempty"`
}

// MatchesActiveSet reports whether the ranking's item set equals the
// given active set (set equality, order ignored).
func (r PersonalRanking) MatchesActiveSet(active map[string]bool) bool {
	if len(r.OrderedItems) != len(active) {
		return false
	}
	for _, id := range r.OrderedItems {
		if !active[id] {
			return false
		}
	}
	return true
}

// UnrankedCount returns how many items in the active set are absent
// from the ranking.
func (r PersonalRanking) UnrankedCount(active map[string]bool) int {
	ranked := make(map[string]bool, len(r.OrderedItems))
	for _, id := range r.OrderedItems {
		ranked[id] = true
	}
	missing := 0
	for id := range active {
		if !ranked[id] {
			missing++
		}
	}
	return missing
}

// AggregateEntry is the memoized consensus ranking for one
// (scope, filter) pair. Ephemeral and derivable: it may be dropped and
// recomputed at any time and is never a source of truth.
type AggregateEntry struct {
	Scope        Scope          `json:"scope"`
	Filter       string         `json:"filter,omitempty"`
	RankMap      map[string]int `json:"rank_map"`
	TotalRankers int            `json:"total_rankers"`

	// ComputedAt is a monotonic version assigned when the recompute
	// started. The cache commits an entry only if no entry with a
	// strictly greater version exists.
	ComputedAt uint64 `json:"computed_at"`
}

// ScopeView is the combined read-side view for one viewer:
// the aggregate plus the viewer's own participation state.
type ScopeView struct {
	Scope             Scope            `json:"scope"`
	Filter            string           `json:"filter,omitempty"`
	RankMap           map[string]int   `json:"rank_map"`
	TotalRankers      int              `json:"total_rankers"`
	Personal          *PersonalRanking `json:"personal,omitempty"`
	HasRanked         bool             `json:"has_ranked"`
	UnrankedCount     int              `json:"unranked_count"`
	RankUpdatedAt     *time.Time       `json:"rank_updated_at,omitempty"`
	RankBecameStaleAt *time.Time       `json:"rank_became_stale_at,omitempty"`
}

// ValidationError is returned when a submitted ranking is not a
// set-equal permutation of the current active set. It carries enough
// detail for the caller to re-render a corrected form.
type ValidationError struct {
	Duplicates []string // item ids appearing more than once
	Unknown    []string // submitted ids not in the active set
	Missing    []string // active ids absent from the submission
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Duplicates) > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicate item(s)", len(e.Duplicates)))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, fmt.Sprintf("%d unknown item(s)", len(e.Unknown)))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d unranked active item(s)", len(e.Missing)))
	}
	if len(parts) == 0 {
		return "model: invalid ranking"
	}
	return "model: invalid ranking: " + strings.Join(parts, ", ")
}

// ValidateRanking checks a submitted ordering against the active set.
// Returns nil when the submission is a total order over exactly the
// active set; otherwise a *ValidationError describing every defect.
func ValidateRanking(orderedItems []string, active map[string]bool) error {
	seen := make(map[string]bool, len(orderedItems))
	verr := &ValidationError{}
	for _, id := range orderedItems {
		if seen[id] {
			verr.Duplicates = append(verr.Duplicates, id)
			continue
		}
		seen[id] = true
		if !active[id] {
			verr.Unknown = append(verr.Unknown, id)
		}
	}
	for id := range active {
		if !seen[id] {
			verr.Missing = append(verr.Missing, id)
		}
	}
	if len(verr.Duplicates) == 0 && len(verr.Unknown) == 0 && len(verr.Missing) == 0 {
		return nil
	}
	// Deterministic ordering so error messages and API payloads are stable.
	sort.Strings(verr.Duplicates)
	sort.Strings(verr.Unknown)
	sort.Strings(verr.Missing)
	return verr
}

// ActiveItemIDs converts an active item slice to the set form used by
// validation and staleness checks.
func ActiveItemIDs(items []ActiveItem) map[string]bool {
	ids := make(map[string]bool, len(items))
	for _, it := range items {
		ids[it.ID] = true
	}
	return ids
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

// StaleEvent is delivered to the host's notification transport when a
// user's ranking needs attention.
type StaleEvent struct {
	Kind          StaleEventKind `json:"kind"`
	Scope         Scope          `json:"scope"`
	UserID        string         `json:"user_id"`
	UnrankedCount int            `json:"unranked_count"`
	BecameStaleAt time.Time      `json:"became_stale_at"`
	GraceEndsAt   time.Time      `json:"grace_ends_at"`
}
