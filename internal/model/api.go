package model

import "time"

// APIResponse is the standard envelope for successful responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard envelope for error responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeInvalidRanking = "INVALID_RANKING"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// InvalidationResponse is the payload for the active-set-changed event
// endpoint: how many rankings the change flagged stale.
type InvalidationResponse struct {
	Invalidated int `json:"invalidated"`
}

// SaveRankingRequest is the request body for
// POST /v1/scopes/{entity_id}/{item_type}/rankings.
type SaveRankingRequest struct {
	UserID       string   `json:"user_id"`
	OrderedItems []string `json:"ordered_items"`
}

// ValidationDetails is the Details payload attached to an
// INVALID_RANKING error so the caller can re-render a corrected form.
type ValidationDetails struct {
	Duplicates []string `json:"duplicates,omitempty"`
	Unknown    []string `json:"unknown,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}
