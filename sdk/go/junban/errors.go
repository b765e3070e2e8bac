// Package junban provides a Go client for the Junban ranking API.
package junban

import (
	"errors"
	"fmt"
)

// Error represents an error from the Junban API with the HTTP status
// code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// Validation carries the defect breakdown for INVALID_RANKING
	// errors; nil otherwise.
	Validation *ValidationDetails
}

func (e *Error) Error() string {
	return fmt.Sprintf("junban: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidRanking returns true if the server rejected the submitted
// ranking as not matching the active item set (422).
func IsInvalidRanking(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 422
	}
	return false
}
