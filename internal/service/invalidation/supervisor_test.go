package invalidation_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyosei-dev/junban/internal/cache"
	"github.com/kyosei-dev/junban/internal/memstore"
	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/service/invalidation"
)

var scope = model.Scope{EntityID: "circle-1", ItemType: model.ItemTypeTasks}

type fakeItems struct {
	items []model.ActiveItem
}

func (f *fakeItems) ActiveItems(_ context.Context, _ model.Scope) ([]model.ActiveItem, error) {
	return f.items, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeSet(ids ...string) []model.ActiveItem {
	out := make([]model.ActiveItem, len(ids))
	for i, id := range ids {
		out[i] = model.ActiveItem{ID: id}
	}
	return out
}

func TestOnActiveSetChanged_FlagsMismatched(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	items := &fakeItems{items: activeSet("a", "b", "c")}
	sup := invalidation.New(store, cache.New(), items, discard())

	_, err := store.UpsertRanking(ctx, scope, "u1", []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = store.UpsertRanking(ctx, scope, "u2", []string{"c", "b", "a"})
	require.NoError(t, err)

	// Item "c" retires, "d" arrives: both rankings are now mismatched.
	items.items = activeSet("a", "b", "d")

	flagged, err := sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)

	all, err := store.ScanAll(ctx, scope)
	require.NoError(t, err)
	for _, r := range all {
		assert.False(t, r.IsValid)
		assert.NotNil(t, r.BecameStaleAt)
		assert.NotEmpty(t, r.OrderedItems, "flagging never rewrites the ordering")
	}
}

func TestOnActiveSetChanged_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	items := &fakeItems{items: activeSet("a")}
	sup := invalidation.New(store, cache.New(), items, discard())

	_, err := store.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)

	items.items = activeSet("a", "b")
	flagged, err := sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	flagged, err = sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged, "duplicate notifications converge")
}

func TestOnActiveSetChanged_MatchingRankingsUntouched(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	items := &fakeItems{items: activeSet("a", "b")}
	sup := invalidation.New(store, cache.New(), items, discard())

	_, err := store.UpsertRanking(ctx, scope, "u1", []string{"b", "a"})
	require.NoError(t, err)

	flagged, err := sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)

	all, err := store.ScanAll(ctx, scope)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsValid)
}

func TestOnActiveSetChanged_RestoresCompleteAgainRankings(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	items := &fakeItems{items: activeSet("a", "b")}
	sup := invalidation.New(store, cache.New(), items, discard())

	_, err := store.UpsertRanking(ctx, scope, "u1", []string{"b", "a"})
	require.NoError(t, err)

	// Item "c" arrives, then is removed again before u1 re-ranks.
	items.items = activeSet("a", "b", "c")
	flagged, err := sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	items.items = activeSet("a", "b")
	flagged, err = sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)

	// The ranking covers the active set again, so it is valid without a
	// re-save and its staleness bookkeeping is gone.
	all, err := store.ScanAll(ctx, scope)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsValid)
	assert.Nil(t, all[0].BecameStaleAt)
	assert.Equal(t, []string{"b", "a"}, all[0].OrderedItems)
}

func TestOnActiveSetChanged_DropsCacheEvenWhenNothingFlagged(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	items := &fakeItems{items: activeSet("a")}
	c := cache.New()
	sup := invalidation.New(store, c, items, discard())

	computes := 0
	compute := func(_ context.Context, version uint64) (model.AggregateEntry, error) {
		computes++
		return model.AggregateEntry{Scope: scope, RankMap: map[string]int{"a": 1}, ComputedAt: version}, nil
	}

	_, err := c.GetOrCompute(ctx, scope, "", compute)
	require.NoError(t, err)
	require.Equal(t, 1, computes)

	// Zero rankings flag, but the cached aggregate must still drop: a
	// new zero-vote item changes the rank map.
	flagged, err := sup.OnActiveSetChanged(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 0, flagged)

	_, err = c.GetOrCompute(ctx, scope, "", compute)
	require.NoError(t, err)
	assert.Equal(t, 2, computes)
}

func TestOnActiveSetChanged_InvalidScope(t *testing.T) {
	sup := invalidation.New(memstore.New(), cache.New(), &fakeItems{}, discard())
	_, err := sup.OnActiveSetChanged(context.Background(), model.Scope{})
	assert.Error(t, err)
}
