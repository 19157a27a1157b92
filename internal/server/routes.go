package server

import (
	"gemchat-go/internal/config"
	"gemchat-go/internal/events"
	"gemchat-go/internal/handlers/chat"
	"gemchat-go/internal/handlers/management"
	mw "gemchat-go/internal/middleware"

	"github.com/gin-gonic/gin"
)

// registerChatRoutes mounts the public chat API under /v1.
func registerChatRoutes(engine *gin.Engine, cfg *config.Config, deps Dependencies) {
	h := chat.New(cfg, deps.Dispatcher)

	v1 := engine.Group("/v1")
	v1.POST("/chat", h.Complete)
	v1.POST("/chat/stream", h.Stream)
	v1.DELETE("/chat/stream/:id", h.CancelStream)
	v1.GET("/models", h.Models)
}

// registerManagementRoutes mounts the operator API under /admin, behind
// management key auth.
func registerManagementRoutes(engine *gin.Engine, cfg *config.Config, deps Dependencies) {
	var sub events.Subscriber
	if deps.Hub != nil {
		sub = deps.Hub
	}
	h := management.New(cfg, deps.Dispatcher, sub)

	admin := engine.Group("/admin")
	admin.Use(mw.ManagementAuth(cfg.ManagementKey, cfg.ManagementKeyHash))

	admin.GET("/metrics", h.Metrics)
	admin.POST("/metrics/reset", h.ResetMetrics)
	admin.GET("/keys", h.Keys)
	admin.PUT("/keys", h.UpdateKeys)
	admin.POST("/keys/test", h.TestKeys)
	admin.GET("/keys/test/last", h.LastProbe)
	admin.POST("/keys/remove-invalid", h.RemoveInvalid)
	admin.GET("/streams", h.Streams)
	admin.GET("/events", h.EventsFeed)
}
