package speech

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when the provider API key is missing.
	ErrNoAPIKey = errors.New("speech: API key required")

	// ErrEmptyAudio is returned when Transcribe is called with no audio bytes.
	ErrEmptyAudio = errors.New("speech: empty audio payload")

	// ErrEmptyText is returned when Synthesize is called with no text.
	ErrEmptyText = errors.New("speech: empty text")
)

// APIError represents an error response from the speech provider.
type APIError struct {
	// StatusCode is the HTTP status code returned by the provider.
	StatusCode int

	// Message is the error message from the provider, if one was sent.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("speech: provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("speech: provider returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized returns true if the provider rejected the API key (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsServerError returns true for provider-side failures (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}
