// Package upstream implements the client for the LLM messages API:
// request building, error decoding, and streaming SSE reconstruction.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthenticationError maps to a 401 at the HTTP boundary. Hint is safe
// to show to callers; it never contains credential paths.
type AuthenticationError struct {
	Hint string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Hint)
}

// StatusCode returns the HTTP status this error maps to.
func (e *AuthenticationError) StatusCode() int { return 401 }

// ValidationError rejects malformed inbound requests.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// StatusCode returns the HTTP status this error maps to.
func (e *ValidationError) StatusCode() int { return 400 }

// UpstreamError is a decoded non-2xx response from the LLM API.
type UpstreamError struct {
	Status  int
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream error %d (%s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// StatusCode returns the upstream HTTP status.
func (e *UpstreamError) StatusCode() int { return e.Status }

// RateLimitError is an UpstreamError specialization for 429 responses,
// optionally carrying the upstream Retry-After value.
type RateLimitError struct {
	UpstreamError
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// RetryAfterHint implements infra.RetryAfterHinter.
func (e *RateLimitError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.HasRetryAfter
}

// TimeoutError marks an exceeded deadline on an upstream call.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s", e.Op)
}

// StatusCode returns the HTTP status this error maps to.
func (e *TimeoutError) StatusCode() int { return 504 }

// StorageError wraps persistence failures. Never surfaced to proxy
// callers; logged and swallowed by the dispatcher.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// networkErrorMarkers are substrings of raw connection failures that
// count as obviously network-related.
var networkErrorMarkers = []string{
	"ECONNREFUSED",
	"ETIMEDOUT",
	"ENETUNREACH",
	"connection refused",
	"connection reset",
	"no such host",
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTripWorthy classifies errors for the circuit breaker: timeouts,
// upstream 5xx/429 and network errors trip it; 4xx client errors do
// not.
func IsTripWorthy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status >= 500 || upstream.Status == 429
	}
	var rate *RateLimitError
	if errors.As(err, &rate) {
		return true
	}
	return isNetworkError(err)
}

// IsRetryable classifies errors for the retry engine: timeouts,
// network errors, and HTTP 429/502/503/504.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var rate *RateLimitError
	if errors.As(err, &rate) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Status {
		case 429, 502, 503, 504:
			return true
		}
		return false
	}
	return isNetworkError(err)
}
