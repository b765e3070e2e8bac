// Package hostclient talks to the host platform over HTTP: it fetches
// active item sets and delivers staleness events to a webhook. The
// standalone binary uses it as its ItemSource and StaleNotifier;
// embedded consumers usually provide their own implementations instead.
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kyosei-dev/junban/internal/model"
)

// Client is an HTTP client for the host platform.
type Client struct {
	baseURL    string
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. baseURL is the host API root for active-item
// lookups; webhookURL receives staleness events and may be empty, in
// which case events are logged and considered delivered.
func New(baseURL, webhookURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type activeItemsResponse struct {
	Items []model.ActiveItem `json:"items"`
}

// ActiveItems fetches the current active item set for a scope from
// GET {base}/scopes/{entity_id}/{item_type}/items.
func (c *Client) ActiveItems(ctx context.Context, scope model.Scope) ([]model.ActiveItem, error) {
	u := fmt.Sprintf("%s/scopes/%s/%s/items",
		c.baseURL, url.PathEscape(scope.EntityID), url.PathEscape(scope.ItemType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("hostclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hostclient: fetch active items: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("hostclient: fetch active items: status %d: %s", resp.StatusCode, body)
	}

	var decoded activeItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("hostclient: decode active items: %w", err)
	}
	return decoded.Items, nil
}

// NotifyStale delivers a staleness event to the configured webhook.
// With no webhook configured the event is logged and treated as
// delivered so sweeps don't retry forever.
func (c *Client) NotifyStale(ctx context.Context, event model.StaleEvent) error {
	if c.webhookURL == "" {
		c.logger.Info("stale event (no webhook configured)",
			"kind", string(event.Kind),
			"scope", event.Scope.String(),
			"user_id", event.UserID,
			"unranked", event.UnrankedCount,
		)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("hostclient: marshal stale event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hostclient: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hostclient: deliver stale event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hostclient: deliver stale event: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
