package junban_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyosei-dev/junban/sdk/go/junban"
)

func newClient(t *testing.T, handler http.HandlerFunc) *junban.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := junban.NewClient(junban.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func envelope(data any) map[string]any {
	return map[string]any{"data": data}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := junban.NewClient(junban.Config{})
	assert.Error(t, err)
}

func TestSaveRanking(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/scopes/circle-1/tasks/rankings", r.URL.Path)

		var body struct {
			UserID       string   `json:"user_id"`
			OrderedItems []string `json:"ordered_items"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body.UserID)
		assert.Equal(t, []string{"b", "a"}, body.OrderedItems)

		_ = json.NewEncoder(w).Encode(envelope(junban.Ranking{
			ID:           "r-1",
			Scope:        junban.Scope{EntityID: "circle-1", ItemType: "tasks"},
			UserID:       "u1",
			OrderedItems: []string{"b", "a"},
			IsValid:      true,
		}))
	})

	saved, err := c.SaveRanking(context.Background(), "circle-1", "tasks", "u1", []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", saved.ID)
	assert.True(t, saved.IsValid)
}

func TestSaveRanking_ValidationError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    "INVALID_RANKING",
				"message": "ranking does not match the active item set",
				"details": junban.ValidationDetails{
					Duplicates: []string{"a"},
					Missing:    []string{"c"},
				},
			},
		})
	})

	_, err := c.SaveRanking(context.Background(), "circle-1", "tasks", "u1", []string{"a", "a"})
	require.Error(t, err)
	assert.True(t, junban.IsInvalidRanking(err))

	var apiErr *junban.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "INVALID_RANKING", apiErr.Code)
	require.NotNil(t, apiErr.Validation)
	assert.Equal(t, []string{"a"}, apiErr.Validation.Duplicates)
	assert.Equal(t, []string{"c"}, apiErr.Validation.Missing)
}

func TestGetRanking_NotFound(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "NOT_FOUND", "message": "no ranking for user in scope"},
		})
	})

	_, err := c.GetRanking(context.Background(), "circle-1", "tasks", "ghost")
	require.Error(t, err)
	assert.True(t, junban.IsNotFound(err))
	assert.False(t, junban.IsInvalidRanking(err))
}

func TestScopeView_QueryParams(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scopes/circle-1/tasks/view", r.URL.Path)
		assert.Equal(t, "u1", r.URL.Query().Get("viewer"))
		assert.Equal(t, "design-team", r.URL.Query().Get("filter"))

		_ = json.NewEncoder(w).Encode(envelope(junban.ScopeView{
			Scope:        junban.Scope{EntityID: "circle-1", ItemType: "tasks"},
			Filter:       "design-team",
			RankMap:      map[string]int{"a": 1, "b": 2},
			TotalRankers: 4,
			HasRanked:    true,
		}))
	})

	view, err := c.ScopeView(context.Background(), "circle-1", "tasks",
		&junban.ViewOptions{Viewer: "u1", Filter: "design-team"})
	require.NoError(t, err)
	assert.Equal(t, 4, view.TotalRankers)
	assert.Equal(t, 1, view.RankMap["a"])
	assert.True(t, view.HasRanked)
}

func TestNotifyActiveSetChanged(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/scopes/circle-1/tasks/events/active-set-changed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(envelope(junban.InvalidationResult{Invalidated: 3}))
	})

	result, err := c.NotifyActiveSetChanged(context.Background(), "circle-1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Invalidated)
}

func TestHealth(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(envelope(junban.HealthResponse{
			Status:   "healthy",
			Postgres: "connected",
			Version:  "1.2.3",
		}))
	})

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}

func TestPathEscaping(t *testing.T) {
	var gotPath string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(envelope(junban.Ranking{}))
	})

	_, err := c.GetRanking(context.Background(), "circle/1", "tasks", "user one")
	require.NoError(t, err)
	assert.Equal(t, "/v1/scopes/circle%2F1/tasks/rankings/user%20one", gotPath)
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	_, err := c.Health(context.Background())
	var apiErr *junban.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}
