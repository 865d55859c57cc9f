package driftmail

import (
	"errors"
	"fmt"
)

// Sentinel errors for API client operations.
var (
	// ErrMissingAPIKey indicates the client was built without an API key.
	ErrMissingAPIKey = errors.New("driftmail: missing API key")
	// ErrUserNotFound is returned by the user lookup endpoints.
	ErrUserNotFound = errors.New("driftmail: user not found")
)

// APIError is a non-2xx response from the platform API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("driftmail: api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("driftmail: api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 API error or ErrUserNotFound.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrUserNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
