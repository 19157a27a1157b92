package statestore

import (
	"context"
	"errors"
	"time"

	"gemchat-go/internal/events"
	"gemchat-go/internal/keypool"
	"gemchat-go/internal/monitoring"
	log "github.com/sirupsen/logrus"
)

// StateSource is the dispatcher surface the persister needs.
// *keypool.Dispatcher implements it.
type StateSource interface {
	ExportState() []keypool.KeySnapshot
	RestoreState(snaps []keypool.KeySnapshot) int
	LastProbe() *keypool.ProbeRun
	RestoreProbe(run *keypool.ProbeRun)
}

// persistTopics are the events that make the persisted state stale
// enough to flush right away instead of waiting for the next tick.
var persistTopics = []string{
	events.TopicPoolConfigured,
	events.TopicKeyInvalidated,
	events.TopicKeysRemoved,
	events.TopicMetricsReset,
}

// Persister restores key health at startup and writes it back on an
// interval, flushing immediately after pool composition or terminal
// state changes. Probe runs are persisted as they complete. Persistence
// is best effort: a failing backend logs and counts, it never blocks
// dispatching.
type Persister struct {
	store    Store
	source   StateSource
	backend  string
	interval time.Duration

	wake      chan struct{}
	wakeProbe chan struct{}
	stop      chan struct{}
	done      chan struct{}
	unsubs    []func()
}

// NewPersister wires a store to a state source. backend is the label
// used in logs and metrics.
func NewPersister(store Store, source StateSource, backend string, interval time.Duration) *Persister {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Persister{
		store:     store,
		source:    source,
		backend:   backend,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		wakeProbe: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Restore loads persisted key health and the last probe run and applies
// them to the source. A store with nothing persisted yet is a cold
// start, not an error.
func (p *Persister) Restore(ctx context.Context) error {
	snaps, err := p.store.LoadKeyState(ctx)
	if err != nil {
		var notFound *ErrNotFound
		if errors.As(err, &notFound) {
			log.Debug("No persisted key state, starting cold")
			return nil
		}
		return err
	}
	applied := p.source.RestoreState(snaps)
	log.WithFields(log.Fields{
		"persisted": len(snaps),
		"applied":   applied,
		"backend":   p.backend,
	}).Info("Key health restored from state store")

	p.restoreProbe(ctx)
	return nil
}

// restoreProbe is best effort: a missing or unreadable probe document
// never fails a restore, it only costs the last probe report.
func (p *Persister) restoreProbe(ctx context.Context) {
	run, err := p.store.LoadProbeRun(ctx)
	if err != nil {
		var notFound *ErrNotFound
		if !errors.As(err, &notFound) {
			log.WithError(err).WithField("backend", p.backend).Warn("Probe history restore failed")
		}
		return
	}
	p.source.RestoreProbe(run)
	log.WithFields(log.Fields{
		"keys_probed": len(run.Results),
		"started_at":  run.StartedAt,
		"backend":     p.backend,
	}).Info("Last probe run restored from state store")
}

// Start begins the periodic persistence loop. When sub is non-nil the
// persister also flushes on pool lifecycle events and saves probe runs
// as they complete.
func (p *Persister) Start(ctx context.Context, sub events.Subscriber) {
	if sub != nil {
		for _, topic := range persistTopics {
			p.unsubs = append(p.unsubs, sub.Subscribe(topic, func(context.Context, events.Event) {
				p.kick()
			}))
		}
		p.unsubs = append(p.unsubs, sub.Subscribe(events.TopicProbeCompleted, func(context.Context, events.Event) {
			p.kickProbe()
		}))
	}
	go p.loop(ctx)
}

// Stop halts the loop, unsubscribes and writes a final snapshot.
func (p *Persister) Stop(ctx context.Context) {
	close(p.stop)
	<-p.done
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.save(ctx)
	p.saveProbe(ctx)
}

// kick requests an immediate flush. Never blocks; a pending flush
// coalesces with the next one.
func (p *Persister) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) kickProbe() {
	select {
	case p.wakeProbe <- struct{}{}:
	default:
	}
}

func (p *Persister) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.save(ctx)
		case <-p.wake:
			p.save(ctx)
		case <-p.wakeProbe:
			p.saveProbe(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Persister) save(ctx context.Context) {
	err := p.store.SaveKeyState(ctx, p.source.ExportState())
	if err != nil {
		monitoring.StatePersistTotal.WithLabelValues(p.backend, "error").Inc()
		log.WithError(err).WithField("backend", p.backend).Warn("Key state persistence failed")
		return
	}
	monitoring.StatePersistTotal.WithLabelValues(p.backend, "success").Inc()
}

// saveProbe writes the last probe run. Runs restored from the store are
// skipped so a restart never overwrites fresher data with its own copy.
func (p *Persister) saveProbe(ctx context.Context) {
	run := p.source.LastProbe()
	if run == nil || run.Restored {
		return
	}
	err := p.store.SaveProbeRun(ctx, run)
	if err != nil {
		monitoring.StatePersistTotal.WithLabelValues(p.backend, "error").Inc()
		log.WithError(err).WithField("backend", p.backend).Warn("Probe history persistence failed")
		return
	}
	monitoring.StatePersistTotal.WithLabelValues(p.backend, "success").Inc()
}
