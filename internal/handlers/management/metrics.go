package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Metrics returns the pool snapshot: totals, success rate, uptime and
// per-key health.
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Metrics())
}

// ResetMetrics zeroes all counters and revives every key, including
// permanently invalid ones.
func (h *Handler) ResetMetrics(c *gin.Context) {
	h.d.ResetMetrics()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// Streams lists sessions that have not reached a terminal state.
func (h *Handler) Streams(c *gin.Context) {
	streams := h.d.ActiveStreams()
	c.JSON(http.StatusOK, gin.H{"count": len(streams), "streams": streams})
}
