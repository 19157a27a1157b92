package keypool

import (
	"time"
)

// KeyHealthStats is the externally visible health of one key. Secrets
// appear only in masked form.
type KeyHealthStats struct {
	Index             int        `json:"index"`
	Masked            string     `json:"masked"`
	State             string     `json:"state"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	SuccessCount      int64      `json:"success_count"`
	ErrorCount        int64      `json:"error_count"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	AvgResponseMs     float64    `json:"avg_response_ms"`
}

// PoolMetrics is a point-in-time snapshot of pool-wide and per-key
// counters.
type PoolMetrics struct {
	TotalRequests   int64            `json:"total_requests"`
	TotalErrors     int64            `json:"total_errors"`
	SuccessRate     string           `json:"success_rate"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	CurrentKeyIndex int              `json:"current_key_index"`
	TotalKeys       int              `json:"total_keys"`
	HealthyKeys     int              `json:"healthy_keys"`
	Keys            []KeyHealthStats `json:"keys"`
}

// Snapshot returns the current metrics. It takes the pool lock briefly
// and never waits on in-flight requests. Elapsed cooldowns are promoted
// here the same way selection promotes them, so the reported states
// match what the next request would see.
func (p *Pool) Snapshot() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	m := PoolMetrics{
		TotalRequests:   p.totalRequests,
		TotalErrors:     p.totalErrors,
		SuccessRate:     formatSuccessRate(p.totalRequests, p.totalErrors),
		UptimeSeconds:   int64(now.Sub(p.startedAt) / time.Second),
		CurrentKeyIndex: p.nextIndex,
		TotalKeys:       len(p.records),
		Keys:            make([]KeyHealthStats, 0, len(p.records)),
	}
	for _, r := range p.records {
		if r.State == StateCoolingDown && !now.Before(r.CooldownUntil) {
			r.State = StateHealthy
			r.CooldownUntil = time.Time{}
		}
		if r.State == StateHealthy {
			m.HealthyKeys++
		}
		stats := KeyHealthStats{
			Index:             r.Index,
			Masked:            r.Masked,
			State:             r.State.String(),
			ConsecutiveErrors: r.ConsecutiveErrors,
			SuccessCount:      r.SuccessCount,
			ErrorCount:        r.ErrorCount,
			LastError:         r.LastError,
			AvgResponseMs:     r.AvgResponseMs,
		}
		if r.State == StateCoolingDown {
			until := r.CooldownUntil
			stats.CooldownUntil = &until
		}
		if !r.LastUsed.IsZero() {
			used := r.LastUsed
			stats.LastUsed = &used
		}
		m.Keys = append(m.Keys, stats)
	}
	return m
}

// KeySnapshot is the persisted health of one key, identified by secret
// fingerprint so raw secrets never reach a state store.
type KeySnapshot struct {
	Fingerprint       string     `json:"fingerprint"`
	State             string     `json:"state"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	SuccessCount      int64      `json:"success_count"`
	ErrorCount        int64      `json:"error_count"`
	LastError         string     `json:"last_error,omitempty"`
	AvgResponseMs     float64    `json:"avg_response_ms"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
}

// ExportState dumps every key's health for persistence.
func (p *Pool) ExportState() []KeySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snaps := make([]KeySnapshot, 0, len(p.records))
	for _, r := range p.records {
		s := KeySnapshot{
			Fingerprint:       Fingerprint(r.Secret),
			State:             r.State.String(),
			ConsecutiveErrors: r.ConsecutiveErrors,
			SuccessCount:      r.SuccessCount,
			ErrorCount:        r.ErrorCount,
			LastError:         r.LastError,
			AvgResponseMs:     r.AvgResponseMs,
		}
		if r.State == StateCoolingDown && !r.CooldownUntil.IsZero() {
			until := r.CooldownUntil
			s.CooldownUntil = &until
		}
		if !r.LastUsed.IsZero() {
			used := r.LastUsed
			s.LastUsed = &used
		}
		snaps = append(snaps, s)
	}
	return snaps
}

// RestoreState applies persisted health to matching keys by fingerprint
// and returns how many records were updated. A persisted cooldown whose
// window already passed restores as healthy; a persisted permanently
// invalid state sticks until the operator resets or reconfigures.
func (p *Pool) RestoreState(snaps []KeySnapshot) int {
	byFP := make(map[string]KeySnapshot, len(snaps))
	for _, s := range snaps {
		byFP[s.Fingerprint] = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	applied := 0
	for _, r := range p.records {
		s, ok := byFP[Fingerprint(r.Secret)]
		if !ok {
			continue
		}
		r.ConsecutiveErrors = s.ConsecutiveErrors
		r.SuccessCount = s.SuccessCount
		r.ErrorCount = s.ErrorCount
		r.LastError = s.LastError
		r.AvgResponseMs = s.AvgResponseMs
		if s.LastUsed != nil {
			r.LastUsed = *s.LastUsed
		}
		switch s.State {
		case StatePermanentlyInvalid.String():
			r.State = StatePermanentlyInvalid
		case StateCoolingDown.String():
			if s.CooldownUntil != nil && now.Before(*s.CooldownUntil) {
				r.State = StateCoolingDown
				r.CooldownUntil = *s.CooldownUntil
			} else {
				r.State = StateHealthy
			}
		default:
			r.State = StateHealthy
		}
		applied++
	}
	p.refreshGauges()
	return applied
}
