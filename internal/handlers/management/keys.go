package management

import (
	"errors"
	"net/http"
	"strings"

	hcommon "gemchat-go/internal/handlers/common"
	"gemchat-go/internal/keypool"

	"github.com/gin-gonic/gin"
)

// Keys returns the per-key health list, masked identities only.
func (h *Handler) Keys(c *gin.Context) {
	m := h.d.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"total_keys":   m.TotalKeys,
		"healthy_keys": m.HealthyKeys,
		"keys":         m.Keys,
	})
}

type updateKeysRequest struct {
	Keys []string `json:"keys"`
}

// UpdateKeys replaces the key pool. Duplicate or blank secrets are
// rejected; an empty list is allowed and makes requests fail fast.
func (h *Handler) UpdateKeys(c *gin.Context) {
	var req updateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_request", "invalid json: "+err.Error())
		return
	}
	keys := make([]string, 0, len(req.Keys))
	for _, k := range req.Keys {
		keys = append(keys, strings.TrimSpace(k))
	}
	if err := h.d.Configure(keys); err != nil {
		var cfgErr *keypool.ConfigError
		if errors.As(err, &cfgErr) {
			hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_keys", err.Error())
			return
		}
		hcommon.AbortWithError(c, http.StatusInternalServerError, "configure_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_keys": len(keys)})
}
