package common

import (
	"context"
	"errors"
	"net/http"

	"gemchat-go/internal/keypool"

	"github.com/gin-gonic/gin"
)

// AbortWithError writes the standard error envelope and aborts the
// request. The type field is derived from the status class; code is the
// stable machine-readable slug.
func AbortWithError(c *gin.Context, status int, code, message string) {
	if message == "" {
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errorType(status),
			"code":    code,
		},
	})
}

// AbortWithDispatchError maps a dispatcher failure onto the gateway's
// HTTP surface. Error strings carry masked key identities only.
func AbortWithDispatchError(c *gin.Context, err error) {
	var noKeys *keypool.NoCredentialsError
	var terminal *keypool.TerminalCredentialError
	var exhausted *keypool.RetryableTransportError
	switch {
	case errors.As(err, &noKeys):
		AbortWithError(c, http.StatusServiceUnavailable, "no_keys_available", err.Error())
	case errors.As(err, &terminal):
		AbortWithError(c, http.StatusBadGateway, "key_invalid", err.Error())
	case errors.As(err, &exhausted):
		AbortWithError(c, http.StatusBadGateway, "all_keys_exhausted", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		AbortWithError(c, http.StatusGatewayTimeout, "timeout", "upstream call timed out")
	default:
		AbortWithError(c, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "invalid_request_error"
	default:
		return "error"
	}
}
