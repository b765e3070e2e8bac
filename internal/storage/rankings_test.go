package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/storage"
	"github.com/kyosei-dev/junban/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "test setup failed: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

// newScope returns a scope unique to the calling test so tests sharing
// the database never see each other's rows.
func newScope() model.Scope {
	return model.Scope{EntityID: "circle-" + uuid.NewString(), ItemType: model.ItemTypeTasks}
}

func TestUpsertRanking_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	first, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, scope, first.Scope)
	assert.Equal(t, []string{"a", "b"}, first.OrderedItems)
	assert.True(t, first.IsValid)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	second, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
	assert.Equal(t, []string{"b", "a"}, second.OrderedItems)
}

func TestUpsertRanking_ResaveClearsStaleness(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	r, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)

	n, err := testDB.MarkInvalid(ctx, []uuid.UUID{r.ID}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, testDB.MarkReminded(ctx, r.ID, time.Now()))
	require.NoError(t, testDB.MarkGraceNoticed(ctx, r.ID, time.Now()))

	saved, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, saved.IsValid)
	assert.Nil(t, saved.BecameStaleAt)
	assert.Nil(t, saved.LastReminderAt)
	assert.Nil(t, saved.LastGraceNoticeAt)
}

func TestGetRanking_NotFound(t *testing.T) {
	_, err := testDB.GetRanking(context.Background(), newScope(), "ghost")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestScanValid_FiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	first, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)
	_, err = testDB.UpsertRanking(ctx, scope, "u2", []string{"a"})
	require.NoError(t, err)
	_, err = testDB.UpsertRanking(ctx, scope, "u3", []string{"a"})
	require.NoError(t, err)

	n, err := testDB.MarkInvalid(ctx, []uuid.UUID{first.ID}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	valid, err := testDB.ScanValid(ctx, scope)
	require.NoError(t, err)
	require.Len(t, valid, 2)
	assert.Equal(t, "u2", valid[0].UserID)
	assert.Equal(t, "u3", valid[1].UserID)

	all, err := testDB.ScanAll(ctx, scope)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u1", all[0].UserID, "created_at ascending")
}

func TestMarkInvalid_SkipsAlreadyInvalid(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	r, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)

	staleAt := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	n, err := testDB.MarkInvalid(ctx, []uuid.UUID{r.ID}, staleAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.MarkInvalid(ctx, []uuid.UUID{r.ID}, staleAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := testDB.GetRanking(ctx, scope, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.BecameStaleAt)
	assert.True(t, got.BecameStaleAt.Equal(staleAt), "first stamp wins")
	assert.Equal(t, []string{"a"}, got.OrderedItems)
}

func TestMarkInvalid_EmptyIDs(t *testing.T) {
	n, err := testDB.MarkInvalid(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMarkRevalidated_RestoresAndClearsStamps(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	r, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)

	n, err := testDB.MarkInvalid(ctx, []uuid.UUID{r.ID}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, testDB.MarkReminded(ctx, r.ID, time.Now()))
	require.NoError(t, testDB.MarkGraceNoticed(ctx, r.ID, time.Now()))

	n, err = testDB.MarkRevalidated(ctx, []uuid.UUID{r.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := testDB.GetRanking(ctx, scope, "u1")
	require.NoError(t, err)
	assert.True(t, got.IsValid)
	assert.Nil(t, got.BecameStaleAt)
	assert.Nil(t, got.LastReminderAt)
	assert.Nil(t, got.LastGraceNoticeAt)
	assert.Equal(t, []string{"a"}, got.OrderedItems)

	// Valid rows are skipped, as are empty id sets.
	n, err = testDB.MarkRevalidated(ctx, []uuid.UUID{r.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = testDB.MarkRevalidated(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBookkeepingStamps(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	r, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)

	at := time.Date(2026, 7, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, testDB.MarkReminded(ctx, r.ID, at))
	require.NoError(t, testDB.MarkGraceNoticed(ctx, r.ID, at.Add(time.Hour)))

	got, err := testDB.GetRanking(ctx, scope, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.LastReminderAt)
	require.NotNil(t, got.LastGraceNoticeAt)
	assert.True(t, got.LastReminderAt.Equal(at))
	assert.True(t, got.LastGraceNoticeAt.Equal(at.Add(time.Hour)))
}

func TestListScopes(t *testing.T) {
	ctx := context.Background()
	scope := newScope()

	_, err := testDB.UpsertRanking(ctx, scope, "u1", []string{"a"})
	require.NoError(t, err)
	_, err = testDB.UpsertRanking(ctx, scope, "u2", []string{"a"})
	require.NoError(t, err)

	scopes, err := testDB.ListScopes(ctx)
	require.NoError(t, err)
	assert.Contains(t, scopes, scope)

	count := 0
	for _, s := range scopes {
		if s == scope {
			count++
		}
	}
	assert.Equal(t, 1, count, "distinct scopes")
}

func TestNotifyActiveSetChanged_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scope := newScope()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelActiveSet))
	require.NoError(t, testDB.NotifyActiveSetChanged(ctx, scope))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelActiveSet, channel)

	got, err := model.ParseScope(payload)
	require.NoError(t, err)
	assert.Equal(t, scope, got)
}
