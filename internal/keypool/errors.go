package keypool

import (
	"errors"
	"fmt"
)

// ErrStreamCancelled is returned by Stream.Recv after the session was
// cancelled.
var ErrStreamCancelled = errors.New("stream cancelled")

// ConfigError reports an invalid pool configuration, such as duplicate
// secrets.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid key pool configuration: " + e.Reason
}

// NoCredentialsError means the pool is empty or every key is cooling
// down or permanently invalid. The call fails fast; there is no waiting
// for a cooldown to expire.
type NoCredentialsError struct {
	TotalKeys int
}

func (e *NoCredentialsError) Error() string {
	if e.TotalKeys == 0 {
		return "no credentials available: key pool is empty"
	}
	return fmt.Sprintf("no credentials available: all %d keys are cooling down or invalid", e.TotalKeys)
}

// RetryableTransportError means every key was tried once during this
// call and all failed with transient errors. It carries the last
// attempt's failure.
type RetryableTransportError struct {
	Masked   string
	Attempts int
	Err      error
}

func (e *RetryableTransportError) Error() string {
	return fmt.Sprintf("all %d keys failed, last attempt with key %s: %v", e.Attempts, e.Masked, e.Err)
}

func (e *RetryableTransportError) Unwrap() error { return e.Err }

// TerminalCredentialError means classification proved the selected key
// invalid. The call aborts immediately so a dead key cannot drain the
// retry budget.
type TerminalCredentialError struct {
	Index  int
	Masked string
	Err    error
}

func (e *TerminalCredentialError) Error() string {
	return fmt.Sprintf("key %s (index %d) is permanently invalid: %v", e.Masked, e.Index, e.Err)
}

func (e *TerminalCredentialError) Unwrap() error { return e.Err }

// StaleProbeError means a removal request targeted a pool generation
// that has changed since the probe ran. The removal is refused rather
// than applied against the wrong keys.
type StaleProbeError struct {
	ProbeGeneration uint64
	PoolGeneration  uint64
}

func (e *StaleProbeError) Error() string {
	return fmt.Sprintf("probe results are stale: pool generation is %d, probe saw %d", e.PoolGeneration, e.ProbeGeneration)
}
