package errors

import (
	"fmt"
	"time"
)

// Disposition is the retry classification of an upstream failure.
type Disposition int

const (
	// Retryable failures cool the key down and rotation continues.
	Retryable Disposition = iota
	// Terminal failures mark the key permanently invalid and abort the call.
	Terminal
)

func (d Disposition) String() string {
	if d == Terminal {
		return "terminal"
	}
	return "retryable"
}

// UpstreamError is a normalized failure from the generative-language API,
// produced from either an HTTP error response or a transport error.
type UpstreamError struct {
	StatusCode int           // HTTP status, or a synthetic one for network errors
	Code       string        // short machine-readable code, e.g. "rate_limit_exceeded"
	RPCStatus  string        // google.rpc status string, e.g. "UNAUTHENTICATED"
	Reason     string        // google.rpc.ErrorInfo reason, e.g. "API_KEY_INVALID"
	Message    string        // human-readable message from the upstream body
	RetryAfter time.Duration // from the Retry-After header, zero if absent
}

func (e *UpstreamError) Error() string {
	if e.RPCStatus != "" {
		return fmt.Sprintf("upstream %d %s: %s", e.StatusCode, e.RPCStatus, e.Message)
	}
	return fmt.Sprintf("upstream %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// New builds an UpstreamError with the given shape.
func New(statusCode int, code, message string) *UpstreamError {
	return &UpstreamError{StatusCode: statusCode, Code: code, Message: message}
}
