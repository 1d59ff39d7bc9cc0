package exchange

import (
	"fmt"
	"time"
)

// NetworkError wraps transport level failures (timeouts, connection resets,
// 5xx responses). Transient: the client retries these with backoff.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError signals an HTTP 429 style response. RetryAfter carries the
// server advised wait when the venue provided one, zero otherwise.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited on %s, retry after %s", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited on %s", e.Endpoint)
}

// MalformedResponseError signals a payload the client could not interpret, or
// a business level failure code from the venue. Not retryable for that call;
// the caller skips the affected window or symbol and continues.
type MalformedResponseError struct {
	Endpoint string
	Reason   string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response from %s: %s: %v", e.Endpoint, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed response from %s: %s", e.Endpoint, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
