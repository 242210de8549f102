package server

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidGrant is returned for every rejected code exchange or refresh.
	// The cause (unknown, reused, expired, mismatched, PKCE failure) is never exposed.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidToken is returned for every rejected access token.
	ErrInvalidToken = errors.New("invalid_token")

	// ErrInvalidClient is returned when client authentication fails.
	ErrInvalidClient = errors.New("invalid_client")

	// ErrRateLimited is matched by RateLimitError via errors.Is.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// InputError is a caller input validation failure. Field names the offending
// request parameter.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RateLimitError reports a retryable quota violation.
type RateLimitError struct {
	// RetryAfter is the time until the quota resets
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited.Error(), e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
