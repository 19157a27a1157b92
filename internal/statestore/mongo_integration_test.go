package statestore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMongoStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("mongodb integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mongodb container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017/tcp")
	require.NoError(t, err)

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	ms := NewMongoStore(uri, "it_tests")
	require.NoError(t, ms.Initialize(ctx))
	t.Cleanup(func() {
		_ = ms.Close()
	})

	t.Run("empty state", func(t *testing.T) {
		_, err := ms.LoadKeyState(ctx)
		var notFound *ErrNotFound
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("round trip and prune", func(t *testing.T) {
		snaps := sampleSnapshots()
		require.NoError(t, ms.SaveKeyState(ctx, snaps))

		got, err := ms.LoadKeyState(ctx)
		require.NoError(t, err)
		require.Len(t, got, len(snaps))

		require.NoError(t, ms.SaveKeyState(ctx, snaps[1:]))
		got, err = ms.LoadKeyState(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, snaps[1].Fingerprint, got[0].Fingerprint)
		require.Equal(t, "cooling_down", got[0].State)
		require.NotNil(t, got[0].CooldownUntil)
	})

	t.Run("probe run round trip", func(t *testing.T) {
		_, err := ms.LoadProbeRun(ctx)
		var notFound *ErrNotFound
		require.ErrorAs(t, err, &notFound)

		run := sampleProbeRun()
		require.NoError(t, ms.SaveProbeRun(ctx, run))

		got, err := ms.LoadProbeRun(ctx)
		require.NoError(t, err)
		require.Equal(t, run, got)

		// Saving again keeps a single document.
		run.DurationMs = 999
		require.NoError(t, ms.SaveProbeRun(ctx, run))
		got, err = ms.LoadProbeRun(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 999, got.DurationMs)
	})

	t.Run("health", func(t *testing.T) {
		require.NoError(t, ms.Health(ctx))
	})
}
