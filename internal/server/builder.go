package server

import (
	"fmt"
	"net/http"
	"time"

	"gemchat-go/internal/config"
	"gemchat-go/internal/events"
	"gemchat-go/internal/keypool"
	mw "gemchat-go/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Dependencies encapsulates runtime services required to build the HTTP engine.
type Dependencies struct {
	Dispatcher *keypool.Dispatcher
	Hub        *events.Hub
}

// BuildEngine constructs the Gin engine with the full middleware chain and
// the chat and management route trees mounted.
func BuildEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	engine := gin.New()
	applyStandardEngineSettings(engine, cfg)

	registerChatRoutes(engine, cfg, deps)
	registerManagementRoutes(engine, cfg, deps)

	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/metrics", mw.MetricsHandler)

	return engine
}

// New wraps the engine in an http.Server bound to the configured port.
// Write timeout stays unset so streaming responses are never cut off.
func New(cfg *config.Config, deps Dependencies) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           BuildEngine(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// applyStandardEngineSettings applies common Gin settings and the shared
// middleware chain. Recovery runs first so every later middleware and
// handler is covered.
func applyStandardEngineSettings(engine *gin.Engine, cfg *config.Config) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	_ = engine.SetTrustedProxies([]string{})

	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics())
	// Apply CORS for the chat API; the middleware itself skips management endpoints.
	engine.Use(mw.CORS())
	engine.Use(mw.RequestLogger())
	if cfg.RateLimitEnabled {
		engine.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
}
