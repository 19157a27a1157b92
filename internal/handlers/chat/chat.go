package chat

import (
	"context"
	"encoding/json"
	"net/http"

	"gemchat-go/internal/constants"
	hcommon "gemchat-go/internal/handlers/common"
	"gemchat-go/internal/keypool"
	"gemchat-go/internal/upstream/gemini"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// Complete handles non-streaming chat requests.
func (h *Handler) Complete(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_request", "invalid json: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	payload, err := buildPayload(&req)
	if err != nil {
		hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	model := req.Model
	if model == "" {
		model = h.cfg.DefaultModel
	}
	c.Set("model", model)

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.UpstreamGenerateTimeout)
	defer cancel()

	body, err := h.d.Send(ctx, keypool.Request{Model: req.Model, Payload: payload})
	if err != nil {
		hcommon.AbortWithDispatchError(c, err)
		return
	}

	resp := gin.H{
		"model":         model,
		"text":          gemini.ExtractText(body),
		"finish_reason": gjson.GetBytes(body, "candidates.0.finishReason").String(),
	}
	if usage := gjson.GetBytes(body, "usageMetadata"); usage.Exists() {
		resp["usage"] = json.RawMessage(usage.Raw)
	}
	c.JSON(http.StatusOK, resp)
}
