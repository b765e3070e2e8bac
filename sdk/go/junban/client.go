package junban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Junban server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Junban ranking API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("junban: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}, nil
}

// SaveRanking submits a user's complete ordering over the scope's
// active item set. The ordering must cover exactly the active set;
// otherwise the server responds 422 and the error carries the defect
// breakdown (check with IsInvalidRanking, inspect Error.Validation).
func (c *Client) SaveRanking(ctx context.Context, entityID, itemType, userID string, orderedItems []string) (*Ranking, error) {
	body := map[string]any{"user_id": userID, "ordered_items": orderedItems}
	var resp Ranking
	if err := c.post(ctx, scopePath(entityID, itemType)+"/rankings", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRanking retrieves a user's stored ranking for a scope.
// Returns a 404 error (IsNotFound) if the user has never ranked it.
func (c *Client) GetRanking(ctx context.Context, entityID, itemType, userID string) (*Ranking, error) {
	var resp Ranking
	if err := c.get(ctx, scopePath(entityID, itemType)+"/rankings/"+url.PathEscape(userID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ViewOptions are optional parameters for ScopeView.
type ViewOptions struct {
	// Viewer is the user id whose participation state the view reports.
	Viewer string
	// Filter restricts the aggregate to the named sub-group's members.
	Filter string
}

// ScopeView retrieves the consensus ranking for a scope plus the
// viewer's own participation state.
func (c *Client) ScopeView(ctx context.Context, entityID, itemType string, opts *ViewOptions) (*ScopeView, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Viewer != "" {
			params.Set("viewer", opts.Viewer)
		}
		if opts.Filter != "" {
			params.Set("filter", opts.Filter)
		}
	}

	path := scopePath(entityID, itemType) + "/view"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp ScopeView
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NotifyActiveSetChanged tells the server the scope's item set mutated
// so it can flag stale rankings and drop cached aggregates. Idempotent;
// call after every add, remove, or completion in the item lifecycle.
func (c *Client) NotifyActiveSetChanged(ctx context.Context, entityID, itemType string) (*InvalidationResult, error) {
	var resp InvalidationResult
	if err := c.post(ctx, scopePath(entityID, itemType)+"/events/active-set-changed", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func scopePath(entityID, itemType string) string {
	return "/v1/scopes/" + url.PathEscape(entityID) + "/" + url.PathEscape(itemType)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string             `json:"code"`
		Message string             `json:"message"`
		Details *ValidationDetails `json:"details,omitempty"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("junban: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("junban: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("junban: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("junban: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("junban: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("junban: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Validation = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
