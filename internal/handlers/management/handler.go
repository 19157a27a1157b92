package management

import (
	"gemchat-go/internal/config"
	"gemchat-go/internal/events"
	"gemchat-go/internal/keypool"
)

// Handler serves the operator API under /admin.
type Handler struct {
	cfg *config.Config
	d   *keypool.Dispatcher
	hub events.Subscriber
}

// New constructs the management handler. hub may be nil; the event feed
// then reports itself unavailable.
func New(cfg *config.Config, d *keypool.Dispatcher, hub events.Subscriber) *Handler {
	return &Handler{cfg: cfg, d: d, hub: hub}
}
