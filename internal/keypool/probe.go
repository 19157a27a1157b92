package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gemchat-go/internal/constants"
	apperrors "gemchat-go/internal/errors"
	"gemchat-go/internal/events"
	"gemchat-go/internal/monitoring"
	"github.com/tidwall/sjson"
	log "github.com/sirupsen/logrus"
)

// ErrNoProbe is returned by RemoveInvalid when no probe pass has run.
var ErrNoProbe = errors.New("no probe results to act on")

// ProbeStatus classifies one key's probe outcome.
type ProbeStatus string

const (
	ProbeValid              ProbeStatus = "valid"
	ProbeTemporarilyInvalid ProbeStatus = "temporarily_invalid"
	ProbePermanentlyInvalid ProbeStatus = "permanently_invalid"
)

// ProbeResult is one key's outcome from an on-demand test pass.
type ProbeResult struct {
	KeyIndex              int         `json:"key_index"`
	Masked                string      `json:"masked"`
	Status                ProbeStatus `json:"status"`
	Attempts              int         `json:"attempts"`
	Errors                []string    `json:"errors,omitempty"`
	AverageResponseTimeMs float64     `json:"average_response_time_ms"`
}

// ProbeRun is one complete test pass over the pool, in pool order. The
// generation records which pool composition the results describe.
// Restored marks a run loaded from the state store after a restart;
// such a run is informational only and can never drive a removal,
// because generations from a previous process may collide with the
// current pool's without describing the same keys.
type ProbeRun struct {
	Generation uint64        `json:"generation"`
	Model      string        `json:"model"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
	Results    []ProbeResult `json:"results"`
	Restored   bool          `json:"restored,omitempty"`
}

// ProbeOptions tunes one test pass. Zero values fall back to the
// dispatcher's configured defaults.
type ProbeOptions struct {
	Model    string
	Attempts int
	Timeout  time.Duration
	Prompt   string
}

// TestKeys probes every key with a minimal generation request. Outcomes
// land in a scratch ProbeRun, never in live pool state, so a probe can
// run next to production traffic without flipping a serving key. Up to
// four keys are probed concurrently; results keep pool order.
func (d *Dispatcher) TestKeys(ctx context.Context, opts ProbeOptions) (*ProbeRun, error) {
	model := opts.Model
	if model == "" {
		model = d.probeModel
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = d.probeAttempts
	}
	if attempts <= 0 {
		attempts = constants.ProbeAttemptsDefault
	}
	if attempts > constants.ProbeAttemptsMax {
		attempts = constants.ProbeAttemptsMax
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.probeTimeout
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = "ping"
	}

	targets, generation := d.pool.probeTargets()
	run := &ProbeRun{
		Generation: generation,
		Model:      model,
		StartedAt:  time.Now(),
		Results:    make([]ProbeResult, len(targets)),
	}
	if len(targets) == 0 {
		monitoring.ProbeRunsTotal.WithLabelValues("empty").Inc()
		d.setLastProbe(run)
		return run, nil
	}

	payload := probePayload(prompt)
	sem := make(chan struct{}, constants.ProbeWorkerLimit)
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t selection) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			run.Results[i] = d.probeKey(ctx, t, model, payload, attempts, timeout)
		}(i, t)
	}
	wg.Wait()
	run.DurationMs = time.Since(run.StartedAt).Milliseconds()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	valid := 0
	for _, r := range run.Results {
		if r.Status == ProbeValid {
			valid++
		}
	}
	status := "partial"
	switch valid {
	case len(run.Results):
		status = "all_ok"
	case 0:
		status = "all_failed"
	}
	monitoring.ProbeRunsTotal.WithLabelValues(status).Inc()
	monitoring.ProbeDurationSeconds.Observe(float64(run.DurationMs) / 1000)

	d.setLastProbe(run)
	log.WithFields(log.Fields{
		"total_keys":  len(run.Results),
		"valid":       valid,
		"model":       model,
		"duration_ms": run.DurationMs,
	}).Info("Key probe completed")
	d.publish(events.TopicProbeCompleted, map[string]any{
		"total_keys": len(run.Results),
		"valid":      valid,
		"model":      model,
	})
	return run, nil
}

// probeKey tests one key with bounded attempts. A success settles the
// key as valid; a terminal classification settles it as permanently
// invalid; anything else leaves it temporarily invalid. Errors are
// collected oldest first.
func (d *Dispatcher) probeKey(ctx context.Context, t selection, model string, payload []byte, maxAttempts int, timeout time.Duration) ProbeResult {
	res := ProbeResult{KeyIndex: t.index, Masked: t.masked, Status: ProbeTemporarilyInvalid}
	var total time.Duration
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err.Error())
			break
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		_, err := d.caller.Generate(attemptCtx, t.secret, model, payload)
		cancel()
		total += time.Since(start)
		res.Attempts++

		if err == nil {
			res.Status = ProbeValid
			break
		}
		res.Errors = append(res.Errors, err.Error())
		if apperrors.Classify(err) == apperrors.Terminal {
			res.Status = ProbePermanentlyInvalid
			break
		}
	}
	if res.Attempts > 0 {
		res.AverageResponseTimeMs = float64(total) / float64(time.Millisecond) / float64(res.Attempts)
	}
	return res
}

func probePayload(prompt string) []byte {
	body, _ := sjson.SetBytes([]byte(`{}`), "contents.0.role", "user")
	body, _ = sjson.SetBytes(body, "contents.0.parts.0.text", prompt)
	body, _ = sjson.SetBytes(body, "generationConfig.maxOutputTokens", 1)
	return body
}

// LastProbe returns the most recent probe run, nil before the first.
func (d *Dispatcher) LastProbe() *ProbeRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastProbe
}

func (d *Dispatcher) setLastProbe(run *ProbeRun) {
	d.mu.Lock()
	d.lastProbe = run
	d.mu.Unlock()
}

// RestoreProbe installs a probe run loaded from persistent storage as
// the last-seen run. The run is flagged as restored so it stays visible
// to operators but is refused by RemoveInvalid.
func (d *Dispatcher) RestoreProbe(run *ProbeRun) {
	if run == nil {
		return
	}
	run.Restored = true
	d.setLastProbe(run)
}

// RemoveFilter selects which probe outcomes a removal targets.
type RemoveFilter string

const (
	RemovePermanentOnly RemoveFilter = "permanent_only"
	RemoveTemporaryOnly RemoveFilter = "temporary_only"
	RemoveAllInvalid    RemoveFilter = "all_invalid"
)

// ParseRemoveFilter validates an operator-supplied filter string.
func ParseRemoveFilter(s string) (RemoveFilter, error) {
	switch RemoveFilter(s) {
	case RemovePermanentOnly, RemoveTemporaryOnly, RemoveAllInvalid:
		return RemoveFilter(s), nil
	}
	return "", fmt.Errorf("unknown removal filter %q", s)
}

func (f RemoveFilter) matches(st ProbeStatus) bool {
	switch f {
	case RemovePermanentOnly:
		return st == ProbePermanentlyInvalid
	case RemoveTemporaryOnly:
		return st == ProbeTemporarilyInvalid
	case RemoveAllInvalid:
		return st == ProbePermanentlyInvalid || st == ProbeTemporarilyInvalid
	}
	return false
}

// RemovedKey names one removed key by masked identity, never the raw
// secret.
type RemovedKey struct {
	Index  int    `json:"index"`
	Masked string `json:"masked"`
	Reason string `json:"reason"`
}

// RemovalCounts breaks a removal down by probe category.
type RemovalCounts struct {
	Permanent int `json:"permanent"`
	Temporary int `json:"temporary"`
	Total     int `json:"total"`
}

// RemovalReport is the outcome of a RemoveInvalid operation.
type RemovalReport struct {
	Removed       []RemovedKey  `json:"removed"`
	RemovedCount  RemovalCounts `json:"removed_count"`
	RemainingKeys int           `json:"remaining_keys"`
}

// RemoveInvalid deletes from the live pool every key whose result in run
// matches the filter. The removal acts only on the pool generation the
// probe inspected; if the composition changed since, it fails with
// StaleProbeError instead of guessing.
func (d *Dispatcher) RemoveInvalid(filter RemoveFilter, run *ProbeRun) (*RemovalReport, error) {
	if run == nil {
		return nil, ErrNoProbe
	}
	if run.Restored {
		return nil, &StaleProbeError{ProbeGeneration: run.Generation, PoolGeneration: d.pool.Generation()}
	}

	drop := make(map[int]bool)
	reason := make(map[int]ProbeStatus)
	for _, r := range run.Results {
		if filter.matches(r.Status) {
			drop[r.KeyIndex] = true
			reason[r.KeyIndex] = r.Status
		}
	}

	removed, remaining, err := d.pool.removeMatching(run.Generation, drop)
	if err != nil {
		return nil, err
	}

	report := &RemovalReport{
		Removed:       make([]RemovedKey, 0, len(removed)),
		RemainingKeys: remaining,
	}
	for _, rec := range removed {
		st := reason[rec.originalIndex]
		report.Removed = append(report.Removed, RemovedKey{
			Index:  rec.originalIndex,
			Masked: rec.masked,
			Reason: string(st),
		})
		switch st {
		case ProbePermanentlyInvalid:
			report.RemovedCount.Permanent++
			monitoring.KeysRemovedTotal.WithLabelValues("permanent").Inc()
		case ProbeTemporarilyInvalid:
			report.RemovedCount.Temporary++
			monitoring.KeysRemovedTotal.WithLabelValues("temporary").Inc()
		}
	}
	report.RemovedCount.Total = len(report.Removed)

	if report.RemovedCount.Total > 0 {
		log.WithFields(log.Fields{
			"removed":   report.RemovedCount.Total,
			"permanent": report.RemovedCount.Permanent,
			"temporary": report.RemovedCount.Temporary,
			"remaining": remaining,
		}).Info("Invalid keys removed from pool")
		d.publish(events.TopicKeysRemoved, report)
	}
	return report, nil
}
