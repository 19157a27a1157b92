package chat

import (
	"context"
	"net/http"
	"time"

	hcommon "gemchat-go/internal/handlers/common"

	"github.com/gin-gonic/gin"
)

// Models proxies the upstream model catalog.
func (h *Handler) Models(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	body, err := h.d.ListModels(ctx)
	if err != nil {
		hcommon.AbortWithDispatchError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}
