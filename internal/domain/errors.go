package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks recoverable network failures (Store or provider unreachable, 5xx).
	ErrTransient = errors.New("transient failure")
	// ErrMalformedRecord marks a Store response with an unexpected shape.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrSessionAuth marks a provider session whose credentials were rejected.
	ErrSessionAuth = errors.New("session authorization failed")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
)

// RateLimitError is returned when the provider asks the caller to retry later.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// IsRateLimited extracts the provider's requested wait from err.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// MediaTransferError reports a failed media download or upload.
type MediaTransferError struct {
	Kind MediaKind
	Ref  string
	Err  error
}

func (e *MediaTransferError) Error() string {
	return fmt.Sprintf("media transfer %s %s: %v", e.Kind, e.Ref, e.Err)
}

func (e *MediaTransferError) Unwrap() error { return e.Err }
