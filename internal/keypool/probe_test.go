package keypool

import (
	"context"
	"net/http"
	"testing"

	"gemchat-go/internal/constants"
	apperrors "gemchat-go/internal/errors"
	"github.com/stretchr/testify/require"
)

// probeFake scripts one outcome per key: the first succeeds, the second
// is rejected outright, the third keeps timing out.
func probeFake() *fakeCaller {
	fc := &fakeCaller{}
	fc.generate = func(apiKey string) ([]byte, error) {
		switch apiKey {
		case "key-000000":
			return []byte(`{}`), nil
		case "key-111111":
			return nil, apperrors.MapHTTPError(http.StatusUnauthorized, nil)
		default:
			return nil, apperrors.MapHTTPError(http.StatusServiceUnavailable, nil)
		}
	}
	return fc
}

func TestTestKeysClassifiesEachKey(t *testing.T) {
	fc := probeFake()
	d := newTestDispatcher(t, fc, "key-000000", "key-111111", "key-222222")

	require.Nil(t, d.LastProbe())

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)
	require.Len(t, run.Results, 3)
	require.Equal(t, "gemini-2.5-flash", run.Model)

	r0, r1, r2 := run.Results[0], run.Results[1], run.Results[2]

	require.Equal(t, 0, r0.KeyIndex)
	require.Equal(t, ProbeValid, r0.Status)
	require.Equal(t, 1, r0.Attempts)
	require.Empty(t, r0.Errors)

	require.Equal(t, 1, r1.KeyIndex)
	require.Equal(t, ProbePermanentlyInvalid, r1.Status)
	require.Equal(t, 1, r1.Attempts, "a terminal rejection settles the verdict")
	require.Len(t, r1.Errors, 1)

	require.Equal(t, 2, r2.KeyIndex)
	require.Equal(t, ProbeTemporarilyInvalid, r2.Status)
	require.Equal(t, 2, r2.Attempts, "retryable failures use the full attempt budget")
	require.Len(t, r2.Errors, 2)

	for _, r := range run.Results {
		require.NotContains(t, r.Masked, "key-", "probe results carry masked keys only")
	}

	require.Len(t, fc.calledKeys(), 4)
	require.Same(t, run, d.LastProbe())

	// Probing is read-only with respect to the live pool.
	m := d.Metrics()
	require.Zero(t, m.TotalRequests)
	require.Zero(t, m.TotalErrors)
	for _, k := range m.Keys {
		require.Equal(t, "healthy", k.State)
		require.Zero(t, k.ErrorCount)
	}
}

func TestTestKeysClampsAttempts(t *testing.T) {
	fc := &fakeCaller{}
	fc.generate = func(apiKey string) ([]byte, error) {
		return nil, apperrors.MapHTTPError(http.StatusServiceUnavailable, nil)
	}
	d := newTestDispatcher(t, fc, "key-000000")

	run, err := d.TestKeys(context.Background(), ProbeOptions{Attempts: 99})
	require.NoError(t, err)
	require.Equal(t, constants.ProbeAttemptsMax, run.Results[0].Attempts)
}

func TestTestKeysEmptyPool(t *testing.T) {
	d := newTestDispatcher(t, &fakeCaller{})

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)
	require.Empty(t, run.Results)
}

func TestTestKeysCancelledContext(t *testing.T) {
	d := newTestDispatcher(t, probeFake(), "key-000000", "key-222222")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := d.TestKeys(ctx, ProbeOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, run)
}

func TestRemoveInvalidPermanentOnly(t *testing.T) {
	d := newTestDispatcher(t, probeFake(), "key-000000", "key-111111", "key-222222")

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)

	report, err := d.RemoveInvalid(RemovePermanentOnly, run)
	require.NoError(t, err)
	require.Equal(t, 1, report.RemovedCount.Permanent)
	require.Zero(t, report.RemovedCount.Temporary)
	require.Equal(t, 1, report.RemovedCount.Total)
	require.Equal(t, 2, report.RemainingKeys)
	require.Len(t, report.Removed, 1)
	require.Equal(t, 1, report.Removed[0].Index)
	require.Equal(t, MaskKey("key-111111"), report.Removed[0].Masked)
	require.Equal(t, "permanently_invalid", report.Removed[0].Reason)

	// Survivors are reindexed contiguously.
	m := d.Metrics()
	require.Equal(t, 2, m.TotalKeys)
	require.Equal(t, MaskKey("key-000000"), m.Keys[0].Masked)
	require.Equal(t, MaskKey("key-222222"), m.Keys[1].Masked)
	require.Zero(t, m.CurrentKeyIndex)
}

func TestRemoveInvalidAllInvalid(t *testing.T) {
	d := newTestDispatcher(t, probeFake(), "key-000000", "key-111111", "key-222222")

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)

	report, err := d.RemoveInvalid(RemoveAllInvalid, run)
	require.NoError(t, err)
	require.Equal(t, 1, report.RemovedCount.Permanent)
	require.Equal(t, 1, report.RemovedCount.Temporary)
	require.Equal(t, 2, report.RemovedCount.Total)
	require.Equal(t, 1, report.RemainingKeys)
	require.Equal(t, 1, d.PoolSize())
}

func TestRemoveInvalidStaleAfterReconfigure(t *testing.T) {
	d := newTestDispatcher(t, probeFake(), "key-000000", "key-111111")

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Configure([]string{"key-000000", "key-333333"}))

	_, err = d.RemoveInvalid(RemoveAllInvalid, run)
	var stale *StaleProbeError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, 2, d.PoolSize(), "a stale probe never mutates the pool")
}

func TestRemoveInvalidRequiresProbe(t *testing.T) {
	d := newTestDispatcher(t, &fakeCaller{}, "key-000000")

	_, err := d.RemoveInvalid(RemoveAllInvalid, nil)
	require.ErrorIs(t, err, ErrNoProbe)
}

func TestRemoveInvalidRefusesRestoredProbe(t *testing.T) {
	d := newTestDispatcher(t, probeFake(), "key-000000", "key-111111")

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)

	// A run loaded after a restart reports history only. Even when the
	// generation happens to match, the indices may describe another
	// process's pool.
	d2 := newTestDispatcher(t, probeFake(), "key-000000", "key-111111")
	d2.RestoreProbe(run)

	restored := d2.LastProbe()
	require.NotNil(t, restored)
	require.True(t, restored.Restored)

	_, err = d2.RemoveInvalid(RemoveAllInvalid, restored)
	var stale *StaleProbeError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, 2, d2.PoolSize())
}

func TestRestoreProbeNilIsNoop(t *testing.T) {
	d := newTestDispatcher(t, &fakeCaller{}, "key-000000")
	d.RestoreProbe(nil)
	require.Nil(t, d.LastProbe())
}

func TestRemoveInvalidNoMatchesIsHarmless(t *testing.T) {
	fc := &fakeCaller{}
	d := newTestDispatcher(t, fc, "key-000000", "key-111111")

	run, err := d.TestKeys(context.Background(), ProbeOptions{})
	require.NoError(t, err)

	report, err := d.RemoveInvalid(RemoveAllInvalid, run)
	require.NoError(t, err)
	require.Zero(t, report.RemovedCount.Total)
	require.Equal(t, 2, report.RemainingKeys)

	// Nothing was removed, so the probe stays valid for a second pass.
	_, err = d.RemoveInvalid(RemovePermanentOnly, run)
	require.NoError(t, err)
}

func TestParseRemoveFilter(t *testing.T) {
	for _, raw := range []string{"permanent_only", "temporary_only", "all_invalid"} {
		f, err := ParseRemoveFilter(raw)
		require.NoError(t, err)
		require.Equal(t, RemoveFilter(raw), f)
	}
	_, err := ParseRemoveFilter("everything")
	require.Error(t, err)
}
