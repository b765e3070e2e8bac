package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyosei-dev/junban/internal/cache"
	"github.com/kyosei-dev/junban/internal/model"
)

var scope = model.Scope{EntityID: "circle-1", ItemType: model.ItemTypeTasks}

func entry(s model.Scope, filter string, version uint64) model.AggregateEntry {
	return model.AggregateEntry{
		Scope:        s,
		Filter:       filter,
		RankMap:      map[string]int{"a": 1},
		TotalRankers: 1,
		ComputedAt:   version,
	}
}

func TestCommitAndGet(t *testing.T) {
	c := cache.New()

	_, ok := c.Get(scope, "")
	require.False(t, ok)

	v := c.NextVersion()
	c.Commit(entry(scope, "", v))

	got, ok := c.Get(scope, "")
	require.True(t, ok)
	assert.Equal(t, v, got.ComputedAt)
}

func TestCommit_OlderCandidateLoses(t *testing.T) {
	c := cache.New()

	older := c.NextVersion()
	newer := c.NextVersion()

	newerEntry := entry(scope, "", newer)
	newerEntry.RankMap = map[string]int{"b": 1}
	c.Commit(newerEntry)

	// The slow recompute that started first finishes last; its result
	// must not clobber the newer entry.
	current, ok := c.Commit(entry(scope, "", older))
	require.True(t, ok)
	assert.Equal(t, newer, current.ComputedAt)

	got, ok := c.Get(scope, "")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"b": 1}, got.RankMap)
}

func TestInvalidate_RaisesFloor(t *testing.T) {
	c := cache.New()

	v := c.NextVersion()
	c.Invalidate(scope, "")

	// The candidate's version predates the invalidation, so committing
	// it must not repopulate the cache.
	c.Commit(entry(scope, "", v))
	_, ok := c.Get(scope, "")
	assert.False(t, ok, "pre-invalidation candidate resurrected stale data")

	// A recompute started after the invalidation commits fine.
	v2 := c.NextVersion()
	c.Commit(entry(scope, "", v2))
	_, ok = c.Get(scope, "")
	assert.True(t, ok)
}

func TestInvalidateScope_DropsAllFilters(t *testing.T) {
	c := cache.New()
	other := model.Scope{EntityID: "circle-2", ItemType: model.ItemTypeGoals}

	c.Commit(entry(scope, "", c.NextVersion()))
	c.Commit(entry(scope, "team-a", c.NextVersion()))
	c.Commit(entry(other, "", c.NextVersion()))

	c.InvalidateScope(scope)

	_, ok := c.Get(scope, "")
	assert.False(t, ok)
	_, ok = c.Get(scope, "team-a")
	assert.False(t, ok)
	_, ok = c.Get(other, "")
	assert.True(t, ok, "unrelated scope must survive")
}

func TestInvalidateScope_BlocksInFlightFirstCompute(t *testing.T) {
	c := cache.New()

	// A recompute starts for a key the cache has never held, then the
	// scope is invalidated before it commits.
	v := c.NextVersion()
	c.InvalidateScope(scope)

	_, ok := c.Commit(entry(scope, "brand-new-filter", v))
	assert.False(t, ok, "below-floor candidate with no cached entry must report rejection")
	_, ok = c.Get(scope, "brand-new-filter")
	assert.False(t, ok)
}

func TestGetOrCompute_RecomputesWhenInvalidatedMidFlight(t *testing.T) {
	c := cache.New()
	calls := 0

	compute := func(_ context.Context, version uint64) (model.AggregateEntry, error) {
		calls++
		if calls == 1 {
			// An active-set change lands after the version was assigned
			// but before the first compute commits.
			c.InvalidateScope(scope)
			stale := entry(scope, "", version)
			stale.RankMap = map[string]int{"stale": 1}
			return stale, nil
		}
		return entry(scope, "", version), nil
	}

	got, err := c.GetOrCompute(context.Background(), scope, "", compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "rejected commit should trigger one recompute")
	assert.Equal(t, map[string]int{"a": 1}, got.RankMap)

	cached, ok := c.Get(scope, "")
	require.True(t, ok)
	assert.Equal(t, got, cached)
}

func TestGetOrCompute_CachesResult(t *testing.T) {
	c := cache.New()
	calls := 0

	compute := func(_ context.Context, version uint64) (model.AggregateEntry, error) {
		calls++
		return entry(scope, "", version), nil
	}

	first, err := c.GetOrCompute(context.Background(), scope, "", compute)
	require.NoError(t, err)

	second, err := c.GetOrCompute(context.Background(), scope, "", compute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_ConcurrentCallersShareOneComputation(t *testing.T) {
	c := cache.New()
	var calls atomic.Int64
	release := make(chan struct{})

	compute := func(_ context.Context, version uint64) (model.AggregateEntry, error) {
		calls.Add(1)
		<-release
		return entry(scope, "", version), nil
	}

	const goroutines = 16
	var wg sync.WaitGroup
	results := make([]model.AggregateEntry, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), scope, "", compute)
		}(i)
	}
	close(release)
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.LessOrEqual(t, calls.Load(), int64(2), "singleflight should collapse concurrent recomputes")
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := cache.New()
	fail := true

	compute := func(_ context.Context, version uint64) (model.AggregateEntry, error) {
		if fail {
			return model.AggregateEntry{}, assert.AnError
		}
		return entry(scope, "", version), nil
	}

	_, err := c.GetOrCompute(context.Background(), scope, "", compute)
	require.Error(t, err)
	_, ok := c.Get(scope, "")
	assert.False(t, ok)

	fail = false
	got, err := c.GetOrCompute(context.Background(), scope, "", compute)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, got.RankMap)
}
