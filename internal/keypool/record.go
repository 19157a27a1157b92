package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// KeyState is the health state of one API key.
type KeyState int

const (
	// StateHealthy keys participate in rotation.
	StateHealthy KeyState = iota
	// StateCoolingDown keys are skipped until their window elapses.
	StateCoolingDown
	// StatePermanentlyInvalid keys are excluded until an explicit reset
	// or reconfiguration.
	StatePermanentlyInvalid
)

func (s KeyState) String() string {
	switch s {
	case StateCoolingDown:
		return "cooling_down"
	case StatePermanentlyInvalid:
		return "permanently_invalid"
	default:
		return "healthy"
	}
}

const maskVisibleRunes = 6

// MaskKey returns the masked form of a secret: the last 6 characters
// stay visible, everything else becomes '*'. Secrets of 6 characters or
// fewer are fully masked.
func MaskKey(secret string) string {
	runes := []rune(secret)
	if len(runes) <= maskVisibleRunes {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-maskVisibleRunes) + string(runes[len(runes)-maskVisibleRunes:])
}

// Fingerprint returns a stable non-reversible identifier for a secret,
// used as the persistence key so raw secrets never reach a state store.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16])
}

// KeyRecord tracks one API key inside the pool. All fields are guarded
// by the owning pool's lock; records never escape the keypool package.
type KeyRecord struct {
	Index  int
	Secret string `json:"-"`
	Masked string

	State             KeyState
	CooldownUntil     time.Time
	ConsecutiveErrors int
	SuccessCount      int64
	ErrorCount        int64

	LastUsed      time.Time
	LastError     string
	AvgResponseMs float64
}

func newKeyRecord(index int, secret string) *KeyRecord {
	return &KeyRecord{
		Index:  index,
		Secret: secret,
		Masked: MaskKey(secret),
		State:  StateHealthy,
	}
}

// eligible reports whether the record may serve a request now. A record
// whose cooldown window has elapsed is eligible but not yet promoted;
// the pool promotes it at selection time.
func (r *KeyRecord) eligible(now time.Time) bool {
	switch r.State {
	case StateHealthy:
		return true
	case StateCoolingDown:
		return !now.Before(r.CooldownUntil)
	default:
		return false
	}
}

// markSuccess records a successful attempt.
func (r *KeyRecord) markSuccess(latency time.Duration, now time.Time) {
	r.SuccessCount++
	r.ConsecutiveErrors = 0
	r.State = StateHealthy
	r.CooldownUntil = time.Time{}
	r.LastUsed = now
	r.observeLatency(latency)
}

// markRetryableFailure records a transient failure and opens a cooldown
// window ending at until.
func (r *KeyRecord) markRetryableFailure(msg string, until time.Time, latency time.Duration, now time.Time) {
	r.ErrorCount++
	r.ConsecutiveErrors++
	r.State = StateCoolingDown
	r.CooldownUntil = until
	r.LastUsed = now
	r.LastError = msg
	r.observeLatency(latency)
}

// markTerminalFailure records a failure that proved the key invalid.
// Only classification flips a key to permanently invalid; accumulated
// transient failures never do.
func (r *KeyRecord) markTerminalFailure(msg string, latency time.Duration, now time.Time) {
	r.ErrorCount++
	r.ConsecutiveErrors++
	r.State = StatePermanentlyInvalid
	r.CooldownUntil = time.Time{}
	r.LastUsed = now
	r.LastError = msg
	r.observeLatency(latency)
}

// resetHealth clears counters and state back to a fresh healthy record.
func (r *KeyRecord) resetHealth() {
	r.State = StateHealthy
	r.CooldownUntil = time.Time{}
	r.ConsecutiveErrors = 0
	r.SuccessCount = 0
	r.ErrorCount = 0
	r.LastUsed = time.Time{}
	r.LastError = ""
	r.AvgResponseMs = 0
}

// observeLatency folds one measured latency into the running average
// across all attempts.
func (r *KeyRecord) observeLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	attempts := r.SuccessCount + r.ErrorCount
	ms := float64(latency) / float64(time.Millisecond)
	if attempts <= 1 || r.AvgResponseMs == 0 {
		r.AvgResponseMs = ms
		return
	}
	r.AvgResponseMs += (ms - r.AvgResponseMs) / float64(attempts)
}
