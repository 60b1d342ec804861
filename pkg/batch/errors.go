package batch

import (
	"errors"
	"fmt"

	"github.com/0xFlo/prism-sub001/pkg/retry"
)

// ErrorClass categorizes failures for handling and observability.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts, connection failures, 5xx and
	// 429 responses. Retried with backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassAuth covers 401 responses. Never retried at the batch
	// level; the caller must refresh credentials and re-issue.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassProtocol covers malformed multipart payloads and
	// missing/duplicate response ids. Never retried.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassClient covers remaining 4xx responses. Never retried.
	ErrorClassClient ErrorClass = "client"
)

// ErrUnauthorized signals a 401 from the batch endpoint. The executor
// already forced a token refresh; the caller re-issues the batch.
var ErrUnauthorized = errors.New("unauthorized: credentials rejected")

// APIError is a batch endpoint failure with its classification.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch %s error (status %d): %s: %v", e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("batch %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ProtocolError is a batch envelope violation: a response id that was
// never requested, requested but never answered, or answered twice.
type ProtocolError struct {
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "batch protocol error: " + e.Reason
}

// classifyStatus maps an HTTP status to its error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 401:
		return ErrorClassAuth
	case status == 429 || status >= 500:
		return ErrorClassTransient
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// IsRetryable is the retry predicate for batch sends: transient errors
// and rate-limit signals only. 401, other 4xx, and protocol errors are
// excluded.
func IsRetryable(err error) bool {
	var rle *retry.RateLimitedError
	if errors.As(err, &rle) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class == ErrorClassTransient
	}

	return false
}
