package statestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"gemchat-go/internal/events"
	"gemchat-go/internal/keypool"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu         sync.Mutex
	snaps      []keypool.KeySnapshot
	saves      int
	loaded     bool
	probe      *keypool.ProbeRun
	probeSaves int
}

func (m *memoryStore) Initialize(ctx context.Context) error { return nil }
func (m *memoryStore) Close() error                         { return nil }
func (m *memoryStore) Health(ctx context.Context) error     { return nil }

func (m *memoryStore) SaveKeyState(ctx context.Context, snaps []keypool.KeySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = snaps
	m.saves++
	m.loaded = true
	return nil
}

func (m *memoryStore) LoadKeyState(ctx context.Context) ([]keypool.KeySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, &ErrNotFound{Key: "memory"}
	}
	return m.snaps, nil
}

func (m *memoryStore) SaveProbeRun(ctx context.Context, run *keypool.ProbeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = run
	m.probeSaves++
	return nil
}

func (m *memoryStore) LoadProbeRun(ctx context.Context) (*keypool.ProbeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probe == nil {
		return nil, &ErrNotFound{Key: "memory"}
	}
	return m.probe, nil
}

func (m *memoryStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memoryStore) probeSaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeSaves
}

type fakeSource struct {
	mu            sync.Mutex
	state         []keypool.KeySnapshot
	restored      []keypool.KeySnapshot
	lastProbe     *keypool.ProbeRun
	probeRestored *keypool.ProbeRun
}

func (f *fakeSource) ExportState() []keypool.KeySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) RestoreState(snaps []keypool.KeySnapshot) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = snaps
	return len(snaps)
}

func (f *fakeSource) LastProbe() *keypool.ProbeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastProbe
}

func (f *fakeSource) RestoreProbe(run *keypool.ProbeRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.Restored = true
	f.probeRestored = run
	f.lastProbe = run
}

func TestPersisterRestoreColdStart(t *testing.T) {
	src := &fakeSource{}
	p := NewPersister(&memoryStore{}, src, "memory", time.Hour)

	require.NoError(t, p.Restore(context.Background()))
	require.Nil(t, src.restored, "nothing to apply on a cold start")
}

func TestPersisterRestoreAppliesPersistedState(t *testing.T) {
	ms := &memoryStore{snaps: sampleSnapshots(), loaded: true}
	src := &fakeSource{}
	p := NewPersister(ms, src, "memory", time.Hour)

	require.NoError(t, p.Restore(context.Background()))
	require.Equal(t, sampleSnapshots(), src.restored)
}

func TestPersisterFlushesOnPoolEvents(t *testing.T) {
	ms := &memoryStore{}
	src := &fakeSource{state: sampleSnapshots()}
	hub := events.NewHub()
	p := NewPersister(ms, src, "memory", time.Hour)

	ctx := context.Background()
	p.Start(ctx, hub)

	hub.Publish(ctx, events.TopicKeyInvalidated, map[string]any{"index": 0}, nil)
	require.Eventually(t, func() bool { return ms.saveCount() >= 1 },
		time.Second, 10*time.Millisecond, "an invalidation flushes without waiting for the tick")

	p.Stop(ctx)
	require.Equal(t, sampleSnapshots(), ms.snaps)
}

func TestPersisterStopWritesFinalSnapshot(t *testing.T) {
	ms := &memoryStore{}
	src := &fakeSource{state: sampleSnapshots()[:1]}
	p := NewPersister(ms, src, "memory", time.Hour)

	ctx := context.Background()
	p.Start(ctx, nil)
	p.Stop(ctx)

	require.Equal(t, 1, ms.saveCount())
	require.Len(t, ms.snaps, 1)
}

func TestPersisterRestoreAppliesProbeRun(t *testing.T) {
	ms := &memoryStore{snaps: sampleSnapshots(), loaded: true, probe: sampleProbeRun()}
	src := &fakeSource{}
	p := NewPersister(ms, src, "memory", time.Hour)

	require.NoError(t, p.Restore(context.Background()))
	require.NotNil(t, src.probeRestored)
	require.EqualValues(t, 3, src.probeRestored.Generation)
}

func TestPersisterSavesProbeOnCompletion(t *testing.T) {
	ms := &memoryStore{}
	src := &fakeSource{lastProbe: sampleProbeRun()}
	hub := events.NewHub()
	p := NewPersister(ms, src, "memory", time.Hour)

	ctx := context.Background()
	p.Start(ctx, hub)

	hub.Publish(ctx, events.TopicProbeCompleted, map[string]any{"total_keys": 2}, nil)
	require.Eventually(t, func() bool { return ms.probeSaveCount() >= 1 },
		time.Second, 10*time.Millisecond, "a completed probe is persisted right away")

	p.Stop(ctx)
	require.Equal(t, src.lastProbe, ms.probe)
}

func TestPersisterNeverWritesBackRestoredProbe(t *testing.T) {
	run := sampleProbeRun()
	run.Restored = true
	ms := &memoryStore{}
	src := &fakeSource{lastProbe: run}
	p := NewPersister(ms, src, "memory", time.Hour)

	ctx := context.Background()
	p.Start(ctx, nil)
	p.Stop(ctx)

	require.Zero(t, ms.probeSaveCount(), "a restored run is not fresher than what the store holds")
}
