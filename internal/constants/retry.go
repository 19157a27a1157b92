package constants

import "time"

// Retry and cooldown tunables. These shape behaviour but are not part of
// any caller-visible contract; adjust freely.
const (
	// CooldownBase is the backoff base applied after the first retryable
	// failure on a key; the window doubles with every consecutive error.
	CooldownBase = 1 * time.Second
	CooldownMax  = 30 * time.Second

	// Attempt-level retry inside a single upstream HTTP call.
	UpstreamMaxRetries    = 2
	UpstreamRetryInterval = 1 * time.Second
	UpstreamRetryMax      = 8 * time.Second

	// Probe defaults ("test keys").
	ProbeAttemptsDefault = 2
	ProbeAttemptsMax     = 3
	ProbeTimeoutDefault  = 10 * time.Second
	ProbeWorkerLimit     = 4
)
