package chat

import (
	"errors"
	"io"
	"net/http"

	hcommon "gemchat-go/internal/handlers/common"
	"gemchat-go/internal/keypool"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Stream handles streaming chat requests over SSE. The first event
// names the session id so the client can cancel it out of band via
// DELETE /v1/chat/stream/:id.
func (h *Handler) Stream(c *gin.Context) {
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

	s, err := h.d.SendStream(c.Request.Context(), keypool.Request{Model: req.Model, Payload: payload})
	if err != nil {
		hcommon.AbortWithDispatchError(c, err)
		return
	}

	w := c.Writer
	flusher, _ := w.(http.Flusher)
	hcommon.SSEHeaders(w)
	w.Header().Set("X-Stream-ID", s.ID())
	w.WriteHeader(http.StatusOK)

	if err := hcommon.SSEWriteEvent(w, flusher, "start", gin.H{
		"id":    s.ID(),
		"model": s.Model(),
		"key":   s.MaskedKey(),
	}); err != nil {
		s.Cancel()
		return
	}

	for {
		chunk, err := s.Recv(c.Request.Context())
		switch {
		case err == nil:
			out := gin.H{"text": chunk.Text}
			if chunk.FinishReason != "" {
				out["finish_reason"] = chunk.FinishReason
			}
			if werr := hcommon.SSEWriteData(w, flusher, out); werr != nil {
				// Client stopped reading; tear the session down.
				s.Cancel()
				return
			}
		case errors.Is(err, io.EOF):
			_ = hcommon.SSEWriteDone(w, flusher)
			return
		case errors.Is(err, keypool.ErrStreamCancelled):
			_ = hcommon.SSEWriteEvent(w, flusher, "cancelled", gin.H{"id": s.ID()})
			return
		case c.Request.Context().Err() != nil:
			log.WithField("stream_id", s.ID()).Debug("Client disconnected, cancelling stream")
			s.Cancel()
			return
		default:
			_ = hcommon.SSEWriteEvent(w, flusher, "error", gin.H{
				"message": err.Error(),
				"code":    "stream_failed",
			})
			return
		}
	}
}

// CancelStream handles DELETE /v1/chat/stream/:id.
func (h *Handler) CancelStream(c *gin.Context) {
	id := c.Param("id")
	if !h.d.CancelStream(id) {
		hcommon.AbortWithError(c, http.StatusNotFound, "stream_not_found", "no active stream with id "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "id": id})
}
