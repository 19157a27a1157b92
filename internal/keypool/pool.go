package keypool

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"gemchat-go/internal/constants"
	"gemchat-go/internal/monitoring"
)

// Pool is the ordered set of key records plus the rotation cursor.
// Every read-then-write of a record happens under p.mu; network I/O
// never does. The generation counter increments whenever the pool's
// composition changes, which is how stale probe results are detected.
type Pool struct {
	mu            sync.Mutex
	records       []*KeyRecord
	nextIndex     int
	generation    uint64
	totalRequests int64
	totalErrors   int64
	startedAt     time.Time

	cooldownBase time.Duration
	cooldownMax  time.Duration

	now func() time.Time
}

// NewPool creates an empty pool. Requests against an empty pool fail
// fast with NoCredentialsError until Configure adds keys.
func NewPool(cooldownBase, cooldownMax time.Duration) *Pool {
	if cooldownBase <= 0 {
		cooldownBase = constants.CooldownBase
	}
	if cooldownMax <= 0 {
		cooldownMax = constants.CooldownMax
	}
	return &Pool{
		cooldownBase: cooldownBase,
		cooldownMax:  cooldownMax,
		startedAt:    time.Now(),
		now:          time.Now,
	}
}

// Configure replaces the pool with fresh healthy records in the given
// order. Duplicate or blank secrets are rejected. An empty list is
// allowed. Pool-wide totals survive reconfiguration; per-key state does
// not, so reconfiguring is also the way to revive invalidated keys.
func (p *Pool) Configure(secrets []string) error {
	seen := make(map[string]int, len(secrets))
	for i, s := range secrets {
		if strings.TrimSpace(s) == "" {
			return &ConfigError{Reason: "key at position " + strconv.Itoa(i) + " is blank"}
		}
		if prev, dup := seen[s]; dup {
			return &ConfigError{Reason: "duplicate key at positions " + strconv.Itoa(prev) + " and " + strconv.Itoa(i)}
		}
		seen[s] = i
	}

	records := make([]*KeyRecord, len(secrets))
	for i, s := range secrets {
		records[i] = newKeyRecord(i, s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = records
	p.nextIndex = 0
	p.generation++
	p.refreshGauges()
	return nil
}

// selection is the identity of an acquired key, copied out so no record
// pointer leaves the lock.
type selection struct {
	index    int
	secret   string
	masked   string
	promoted bool
}

// acquire picks the next eligible key in round-robin order, wrapping
// once. A cooling-down record whose window has elapsed is promoted back
// to healthy before selection. The cursor advances past the selected
// key regardless of how the call turns out, so load spreads even under
// partial failure. If nothing is eligible the call fails immediately;
// there is no waiting.
func (p *Pool) acquire() (selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.records)
	if n == 0 {
		return selection{}, &NoCredentialsError{}
	}
	now := p.now()
	for i := 0; i < n; i++ {
		cand := p.records[(p.nextIndex+i)%n]
		if !cand.eligible(now) {
			continue
		}
		sel := selection{index: cand.Index, secret: cand.Secret, masked: cand.Masked}
		if cand.State == StateCoolingDown {
			// Lazy cooldown expiry: no timers, promotion happens at
			// selection time. ConsecutiveErrors is kept so another
			// failure backs off harder.
			cand.State = StateHealthy
			cand.CooldownUntil = time.Time{}
			sel.promoted = true
		}
		p.nextIndex = (cand.Index + 1) % n
		if sel.promoted {
			p.refreshGauges()
		}
		return sel, nil
	}
	return selection{}, &NoCredentialsError{TotalKeys: n}
}

// backoff returns the cooldown window after the given number of
// consecutive failures: base doubled per extra strike, capped.
func (p *Pool) backoff(strikes int) time.Duration {
	if strikes < 1 {
		strikes = 1
	}
	d := p.cooldownBase
	for i := 1; i < strikes; i++ {
		d *= 2
		if d >= p.cooldownMax {
			return p.cooldownMax
		}
	}
	if d > p.cooldownMax {
		d = p.cooldownMax
	}
	return d
}

// recordSuccess folds a successful attempt into the key's stats.
func (p *Pool) recordSuccess(index int, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.record(index)
	if r == nil {
		return
	}
	p.totalRequests++
	r.markSuccess(latency, p.now())
	p.refreshGauges()
}

// recordRetryable cools the key down with an exponential window. When
// the upstream sent an explicit Retry-After longer than the computed
// window, the upstream wins. Returns the cooldown deadline.
func (p *Pool) recordRetryable(index int, msg string, retryAfter, latency time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.record(index)
	if r == nil {
		return time.Time{}
	}
	p.totalRequests++
	p.totalErrors++
	window := p.backoff(r.ConsecutiveErrors + 1)
	if retryAfter > window {
		window = retryAfter
	}
	now := p.now()
	until := now.Add(window)
	r.markRetryableFailure(msg, until, latency, now)
	monitoring.KeyCooldownSeconds.Observe(window.Seconds())
	p.refreshGauges()
	return until
}

// recordTerminal marks the key permanently invalid.
func (p *Pool) recordTerminal(index int, msg string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.record(index)
	if r == nil {
		return
	}
	p.totalRequests++
	p.totalErrors++
	r.markTerminalFailure(msg, latency, p.now())
	p.refreshGauges()
}

// record returns the record at index, nil when the pool has been
// reconfigured underneath an in-flight call.
func (p *Pool) record(index int) *KeyRecord {
	if index < 0 || index >= len(p.records) {
		return nil
	}
	return p.records[index]
}

// Len returns the current pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Generation returns the current composition generation.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Reset zeroes all counters and returns every key to healthy. Operator
// action only; retry logic never calls this.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalRequests = 0
	p.totalErrors = 0
	p.nextIndex = 0
	for _, r := range p.records {
		r.resetHealth()
	}
	p.refreshGauges()
}

// removedRecord identifies a removed key by its pre-removal position
// and masked form.
type removedRecord struct {
	originalIndex int
	masked        string
}

// removeMatching deletes the given positions, reindexes the survivors
// and bumps the generation. The deletion is refused with StaleProbeError
// when the pool is no longer at generation gen: the indices would point
// at different keys. The cursor restarts at zero after a removal.
func (p *Pool) removeMatching(gen uint64, drop map[int]bool) (removed []removedRecord, remaining int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generation != gen {
		return nil, len(p.records), &StaleProbeError{ProbeGeneration: gen, PoolGeneration: p.generation}
	}
	if len(drop) == 0 {
		return nil, len(p.records), nil
	}

	kept := make([]*KeyRecord, 0, len(p.records))
	for _, r := range p.records {
		if drop[r.Index] {
			removed = append(removed, removedRecord{originalIndex: r.Index, masked: r.Masked})
			continue
		}
		kept = append(kept, r)
	}
	for i, r := range kept {
		r.Index = i
	}
	p.records = kept
	p.nextIndex = 0
	p.generation++
	p.refreshGauges()
	return removed, len(kept), nil
}

// probeTargets copies out the identities of every key along with the
// generation they belong to. Probing works off this copy so a probe
// never touches live health state.
func (p *Pool) probeTargets() (targets []selection, generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	targets = make([]selection, len(p.records))
	for i, r := range p.records {
		targets[i] = selection{index: r.Index, secret: r.Secret, masked: r.Masked}
	}
	return targets, p.generation
}

// refreshGauges updates the prometheus pool gauges. Called under p.mu;
// gauge sets are cheap.
func (p *Pool) refreshGauges() {
	now := p.now()
	var healthy, cooling, invalid float64
	for _, r := range p.records {
		switch {
		case r.State == StatePermanentlyInvalid:
			invalid++
		case r.State == StateCoolingDown && now.Before(r.CooldownUntil):
			cooling++
		default:
			healthy++
		}
	}
	monitoring.KeysHealthy.Set(healthy)
	monitoring.KeysCoolingDown.Set(cooling)
	monitoring.KeysInvalid.Set(invalid)
}

func formatSuccessRate(total, errs int64) string {
	if total <= 0 {
		return "100.0%"
	}
	rate := float64(total-errs) / float64(total) * 100
	return strconv.FormatFloat(rate, 'f', 1, 64) + "%"
}
