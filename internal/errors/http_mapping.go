package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// googleError mirrors the error envelope returned by the
// generativelanguage API.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type   string `json:"@type"`
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// MapHTTPError maps an HTTP error status plus response body to a
// normalized UpstreamError. The body is parsed best-effort; a
// non-JSON body becomes the message verbatim (truncated).
func MapHTTPError(statusCode int, body []byte) *UpstreamError {
	e := &UpstreamError{
		StatusCode: statusCode,
		Code:       codeForStatus(statusCode),
		Message:    fmt.Sprintf("HTTP %d error", statusCode),
	}

	if len(body) == 0 {
		return e
	}
	var ge googleError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		e.Message = ge.Error.Message
		e.RPCStatus = ge.Error.Status
		for _, d := range ge.Error.Details {
			if d.Reason != "" {
				e.Reason = d.Reason
				break
			}
		}
		return e
	}

	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	e.Message = msg
	return e
}

func codeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "invalid_api_key"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusRequestTimeout:
		return "timeout"
	case http.StatusTooManyRequests:
		return "rate_limit_exceeded"
	case http.StatusInternalServerError:
		return "server_error"
	case http.StatusBadGateway:
		return "bad_gateway"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "unknown_error"
	}
}
