package middleware

import (
	"net/http"
	"strings"

	"gemchat-go/internal/monitoring"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ManagementAuth guards the admin surface with the management key.
// A bcrypt hash takes precedence over the plaintext key; with neither
// configured the surface stays closed.
//
// Token sources, in order:
// - Authorization: Bearer <token>
// - x-api-key: <token>
// - Query parameter: ?key=<token> (websocket clients cannot set headers)
func ManagementAuth(key, keyHash string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	keyHash = strings.TrimSpace(keyHash)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		if key == "" && keyHash == "" {
			monitoring.ManagementAccessTotal.WithLabelValues(route, "denied").Inc()
			respondUnauthorized(c, http.StatusForbidden, "Management API is disabled, no management key configured")
			return
		}

		provided := extractToken(c)
		if provided == "" {
			monitoring.ManagementAccessTotal.WithLabelValues(route, "denied").Inc()
			respondUnauthorized(c, http.StatusUnauthorized, "Management key not provided")
			return
		}

		if !managementKeyMatches(provided, key, keyHash) {
			monitoring.ManagementAccessTotal.WithLabelValues(route, "denied").Inc()
			respondUnauthorized(c, http.StatusUnauthorized, "Invalid management key")
			return
		}

		monitoring.ManagementAccessTotal.WithLabelValues(route, "allowed").Inc()
		c.Next()
	}
}

func managementKeyMatches(provided, key, keyHash string) bool {
	if keyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(provided)) == nil
	}
	return provided == key
}

func extractToken(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return auth
	}
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Query("key")); v != "" {
		return v
	}
	return ""
}

func respondUnauthorized(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "invalid_request_error",
			"code":    "invalid_management_key",
		},
	})
}
