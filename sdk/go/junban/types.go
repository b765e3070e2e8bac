package junban

import "time"

// Ranking is one user's stored ordering for a scope.
type Ranking struct {
	ID            string     `json:"id"`
	Scope         Scope      `json:"scope"`
	UserID        string     `json:"user_id"`
	OrderedItems  []string   `json:"ordered_items"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	IsValid       bool       `json:"is_valid"`
	BecameStaleAt *time.Time `json:"became_stale_at,omitempty"`
}

// Scope identifies a container entity plus an item-type tag.
type Scope struct {
	EntityID string `json:"entity_id"`
	ItemType string `json:"item_type"`
}

// ScopeView is the consensus ranking plus the viewer's participation
// state, as returned by the view endpoint.
type ScopeView struct {
	Scope             Scope          `json:"scope"`
	Filter            string         `json:"filter,omitempty"`
	RankMap           map[string]int `json:"rank_map"`
	TotalRankers      int            `json:"total_rankers"`
	Personal          *Ranking       `json:"personal,omitempty"`
	HasRanked         bool           `json:"has_ranked"`
	UnrankedCount     int            `json:"unranked_count"`
	RankUpdatedAt     *time.Time     `json:"rank_updated_at,omitempty"`
	RankBecameStaleAt *time.Time     `json:"rank_became_stale_at,omitempty"`
}

// ValidationDetails breaks down why a submitted ranking was rejected.
type ValidationDetails struct {
	Duplicates []string `json:"duplicates,omitempty"`
	Unknown    []string `json:"unknown,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

// InvalidationResult reports how many rankings an active-set change
// flagged stale.
type InvalidationResult struct {
	Invalidated int `json:"invalidated"`
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
