// Package rank implements consensus-ranking aggregation over personal
// rankings. Aggregation is a pure function of its inputs so it can be
// tested without any storage.
package rank

import (
	"sort"
	"time"

	"github.com/kyosei-dev/junban/internal/model"
)

// Strategy converts one personal ranking into per-item score
// contributions. Higher total score ranks higher. The scoring scheme is
// pluggable because different deployments may want different consensus
// semantics (positional scoring, mean rank, ...).
type Strategy interface {
	// Name identifies the strategy in logs and config.
	Name() string
	// Scores returns the contribution of a single ranking. The slice is
	// order-significant: index 0 is the most preferred item.
	Scores(orderedItems []string) map[string]float64
}

// Borda is positional scoring: in a ranking of n items, position i
// (0-indexed from most preferred) earns n-i points. This is the default
// strategy; with total orders over a shared set it is deterministic and
// resistant to strategic truncation.
type Borda struct{}

func (Borda) Name() string { return "borda" }

func (Borda) Scores(orderedItems []string) map[string]float64 {
	n := len(orderedItems)
	scores := make(map[string]float64, n)
	for i, id := range orderedItems {
		scores[id] = float64(n - i)
	}
	return scores
}

// MeanRank scores by negated position so that summing across rankers
// orders items by ascending average position. An alternative consensus
// semantics for deployments that prefer average rank over Borda points.
type MeanRank struct{}

func (MeanRank) Name() string { return "mean_rank" }

func (MeanRank) Scores(orderedItems []string) map[string]float64 {
	scores := make(map[string]float64, len(orderedItems))
	for i, id := range orderedItems {
		scores[id] = -float64(i + 1)
	}
	return scores
}

// ByName returns the strategy registered under name, defaulting to
// Borda for the empty string. Unknown names also fall back to Borda.
func ByName(name string) Strategy {
	switch name {
	case "", "borda":
		return Borda{}
	case "mean_rank":
		return MeanRank{}
	default:
		return Borda{}
	}
}

// Aggregate folds valid personal rankings into a consensus rank map.
//
// Per-item scores are summed across all rankings; active items that
// appear in zero rankings score 0. Items are sorted by descending total
// score, ties broken by ascending creation time, then by ascending item
// id, so the result is a total deterministic order. Ranks are assigned
// 1..N in that order.
//
// With no rankings at all the rank map is empty (callers display this
// as "not yet ranked"). Item ids in a ranking that are not in the
// active set contribute nothing; they can only occur in the instant
// between an active-set change and the next invalidation scan.
func Aggregate(rankings []model.PersonalRanking, active []model.ActiveItem, strategy Strategy) (map[string]int, int) {
	rankMap := make(map[string]int, len(active))
	if len(rankings) == 0 || len(active) == 0 {
		return rankMap, len(rankings)
	}

	activeSet := make(map[string]bool, len(active))
	createdAt := make(map[string]time.Time, len(active))
	for _, it := range active {
		activeSet[it.ID] = true
		createdAt[it.ID] = it.CreatedAt
	}

	totals := make(map[string]float64, len(active))
	for id := range activeSet {
		totals[id] = 0
	}
	for _, r := range rankings {
		for id, score := range strategy.Scores(r.OrderedItems) {
			if activeSet[id] {
				totals[id] += score
			}
		}
	}

	type scored struct {
		id    string
		score float64
	}
	ordered := make([]scored, 0, len(totals))
	for id, score := range totals {
		ordered = append(ordered, scored{id: id, score: score})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		ci, cj := createdAt[ordered[i].id], createdAt[ordered[j].id]
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return ordered[i].id < ordered[j].id
	})

	for i, s := range ordered {
		rankMap[s.id] = i + 1
	}
	return rankMap, len(rankings)
}
