package ledger

import (
	"fmt"
	"time"
)

// NetworkError indicates a transport-level failure talking to the ledger
// backend (timeout, connection refused, 5xx). Retryable on a later tick.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitedError indicates the ledger backend rejected the call with a
// rate limit. Callers must not retry before RetryAfter has elapsed.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ledger rate limited, retry after %s", e.RetryAfter)
}

// IsTransient reports whether err is a retryable ledger failure rather
// than a definitive lookup result.
func IsTransient(err error) bool {
	switch err.(type) {
	case *NetworkError, *RateLimitedError:
		return true
	}
	return false
}
