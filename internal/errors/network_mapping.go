package errors

import (
	"net/http"
	"strings"
)

// MapNetworkError maps a transport-level error to a normalized
// UpstreamError with a synthetic HTTP status.
func MapNetworkError(err error) *UpstreamError {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return New(http.StatusGatewayTimeout, "timeout", "Request timeout: "+errMsg)
	case strings.Contains(errMsg, "connection refused"):
		return New(http.StatusBadGateway, "connection_error", "Connection refused: "+errMsg)
	case strings.Contains(errMsg, "EOF") || strings.Contains(errMsg, "connection reset"):
		return New(http.StatusBadGateway, "connection_error", "Connection error: "+errMsg)
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "name resolution"):
		return New(http.StatusBadGateway, "dns_error", "DNS resolution error: "+errMsg)
	case strings.Contains(errMsg, "certificate") || strings.Contains(errMsg, "tls"):
		return New(http.StatusBadGateway, "tls_error", "TLS/Certificate error: "+errMsg)
	case strings.Contains(errMsg, "context canceled"):
		return New(http.StatusRequestTimeout, "request_canceled", "Request was canceled: "+errMsg)
	default:
		return New(http.StatusBadGateway, "network_error", "Network error: "+errMsg)
	}
}
