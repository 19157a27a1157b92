package statestore

import (
	"context"
	"time"

	"gemchat-go/internal/keypool"
)

// Store persists per-key health between restarts so a freshly started
// dispatcher does not hammer keys that were cooling down or invalid
// when the previous process exited. Keys are identified by secret
// fingerprint; no backend ever sees a raw secret.
type Store interface {
	// Initialize sets up the backend (connects, migrates, creates dirs).
	Initialize(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error

	// Health checks whether the backend is reachable.
	Health(ctx context.Context) error

	// SaveKeyState replaces the persisted state with snaps. Entries for
	// fingerprints no longer present are dropped.
	SaveKeyState(ctx context.Context, snaps []keypool.KeySnapshot) error

	// LoadKeyState returns the persisted state, or ErrNotFound when
	// nothing has been saved yet.
	LoadKeyState(ctx context.Context) ([]keypool.KeySnapshot, error)

	// SaveProbeRun replaces the persisted last probe run.
	SaveProbeRun(ctx context.Context, run *keypool.ProbeRun) error

	// LoadProbeRun returns the persisted last probe run, or ErrNotFound
	// when no probe has been saved yet.
	LoadProbeRun(ctx context.Context) (*keypool.ProbeRun, error)
}

// ErrNotFound is returned when no state has been persisted yet.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "state not found: " + e.Key
}

const opTimeout = 5 * time.Second

// opContext bounds a single store operation so a slow backend cannot
// stall the dispatcher's persistence loop.
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}
