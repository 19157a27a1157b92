package errors

import (
	stderrors "errors"
	"net/http"
)

// Classification tables. Only failures that prove the key itself is bad
// are terminal; everything ambiguous stays retryable so a flaky upstream
// never permanently discards a working key.
var (
	terminalStatusCodes = map[int]bool{
		http.StatusUnauthorized: true,
		http.StatusForbidden:    true,
	}
	terminalRPCStatuses = map[string]bool{
		"UNAUTHENTICATED":   true,
		"PERMISSION_DENIED": true,
	}
	terminalReasons = map[string]bool{
		"API_KEY_INVALID":               true,
		"API_KEY_SERVICE_BLOCKED":       true,
		"API_KEY_HTTP_REFERRER_BLOCKED": true,
		"CONSUMER_SUSPENDED":            true,
		"CONSUMER_INVALID":              true,
	}
)

// Classify decides whether a failed attempt may be retried with another
// key or has proven the key itself invalid. Transient transport errors,
// timeouts, rate limits and 5xx responses are retryable; authentication
// and key-attributable 400s are terminal.
func Classify(err error) Disposition {
	var ue *UpstreamError
	if stderrors.As(err, &ue) {
		if terminalStatusCodes[ue.StatusCode] || terminalRPCStatuses[ue.RPCStatus] || terminalReasons[ue.Reason] {
			return Terminal
		}
		return Retryable
	}
	// Raw transport errors never condemn a key.
	return Retryable
}

// IsTerminal reports whether err classifies as a terminal key failure.
func IsTerminal(err error) bool {
	return Classify(err) == Terminal
}
