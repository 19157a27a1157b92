package chat

import (
	"context"

	"gemchat-go/internal/config"
	"gemchat-go/internal/keypool"
)

// Dispatcher is the slice of the key pool dispatcher the chat surface
// drives. *keypool.Dispatcher implements it; tests substitute fakes.
type Dispatcher interface {
	Send(ctx context.Context, req keypool.Request) ([]byte, error)
	SendStream(ctx context.Context, req keypool.Request) (*keypool.Stream, error)
	CancelStream(id string) bool
	ListModels(ctx context.Context) ([]byte, error)
}

var _ Dispatcher = (*keypool.Dispatcher)(nil)

// Handler serves the public chat endpoints.
type Handler struct {
	cfg *config.Config
	d   Dispatcher
}

// New constructs the chat handler.
func New(cfg *config.Config, d Dispatcher) *Handler {
	return &Handler{cfg: cfg, d: d}
}
