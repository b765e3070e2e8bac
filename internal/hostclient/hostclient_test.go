package hostclient_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyosei-dev/junban/internal/hostclient"
	"github.com/kyosei-dev/junban/internal/model"
)

var scope = model.Scope{EntityID: "circle-1", ItemType: model.ItemTypeTasks}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActiveItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scopes/circle-1/tasks/items", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []model.ActiveItem{
				{ID: "a", CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
				{ID: "b", CreatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
			},
		})
	}))
	defer srv.Close()

	c := hostclient.New(srv.URL, "", discard())
	items, err := c.ActiveItems(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
}

func TestActiveItems_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := hostclient.New(srv.URL, "", discard())
	_, err := c.ActiveItems(context.Background(), scope)
	assert.Error(t, err)
}

func TestNotifyStale_PostsEvent(t *testing.T) {
	var got model.StaleEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := hostclient.New("http://unused", srv.URL, discard())
	event := model.StaleEvent{
		Kind:          model.StaleReminder,
		Scope:         scope,
		UserID:        "u1",
		UnrankedCount: 2,
	}
	require.NoError(t, c.NotifyStale(context.Background(), event))
	assert.Equal(t, model.StaleReminder, got.Kind)
	assert.Equal(t, "u1", got.UserID)
}

func TestNotifyStale_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := hostclient.New("http://unused", srv.URL, discard())
	err := c.NotifyStale(context.Background(), model.StaleEvent{Kind: model.StaleReminder, Scope: scope})
	assert.Error(t, err)
}

func TestNotifyStale_NoWebhookIsDelivered(t *testing.T) {
	c := hostclient.New("http://unused", "", discard())
	assert.NoError(t, c.NotifyStale(context.Background(), model.StaleEvent{Kind: model.StaleReminder, Scope: scope}))
}
