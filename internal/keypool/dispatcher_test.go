package keypool

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"gemchat-go/internal/config"
	apperrors "gemchat-go/internal/errors"
	"github.com/stretchr/testify/require"
)

// fakeCaller substitutes the upstream client. Behaviour is keyed on the
// API key so tests can script per-key outcomes.
type fakeCaller struct {
	mu         sync.Mutex
	keys       []string
	generate   func(apiKey string) ([]byte, error)
	stream     func(ctx context.Context, apiKey string) (*http.Response, error)
	listModels func(apiKey string) ([]byte, error)
}

func (f *fakeCaller) Generate(ctx context.Context, apiKey, model string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.keys = append(f.keys, apiKey)
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(apiKey)
	}
	return []byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`), nil
}

func (f *fakeCaller) Stream(ctx context.Context, apiKey, model string, payload []byte) (*http.Response, error) {
	f.mu.Lock()
	f.keys = append(f.keys, apiKey)
	f.mu.Unlock()
	if f.stream != nil {
		return f.stream(ctx, apiKey)
	}
	return sseResponse(singleChunkSSE), nil
}

func (f *fakeCaller) ListModels(ctx context.Context, apiKey string) ([]byte, error) {
	f.mu.Lock()
	f.keys = append(f.keys, apiKey)
	f.mu.Unlock()
	if f.listModels != nil {
		return f.listModels(apiKey)
	}
	return []byte(`{"models":[{"name":"models/gemini-2.5-flash"}]}`), nil
}

func (f *fakeCaller) calledKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func newTestDispatcher(t *testing.T, fc *fakeCaller, secrets ...string) *Dispatcher {
	t.Helper()
	cfg := config.DefaultConfig()
	d := New(cfg, fc, nil)
	require.NoError(t, d.Configure(secrets))
	return d
}

func TestSendRoundRobinAcrossCalls(t *testing.T) {
	fc := &fakeCaller{}
	d := newTestDispatcher(t, fc, "key-000000", "key-111111", "key-222222")

	for i := 0; i < 6; i++ {
		_, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	require.Equal(t, []string{
		"key-000000", "key-111111", "key-222222",
		"key-000000", "key-111111", "key-222222",
	}, fc.calledKeys())
}

func TestSendRetriesOn429ThenSucceeds(t *testing.T) {
	fc := &fakeCaller{}
	fc.generate = func(apiKey string) ([]byte, error) {
		if apiKey == "key-000000" {
			return nil, apperrors.MapHTTPError(http.StatusTooManyRequests, nil)
		}
		return []byte(`{}`), nil
	}
	d := newTestDispatcher(t, fc, "key-000000", "key-111111", "key-222222")

	body, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NotNil(t, body)
	require.Equal(t, []string{"key-000000", "key-111111"}, fc.calledKeys())

	m := d.Metrics()
	require.Equal(t, int64(1), m.Keys[0].ErrorCount)
	require.Equal(t, 1, m.Keys[0].ConsecutiveErrors)
	require.Equal(t, "cooling_down", m.Keys[0].State)
	require.Equal(t, int64(1), m.Keys[1].SuccessCount)
	require.Equal(t, 2, m.CurrentKeyIndex)
	require.Equal(t, int64(2), m.TotalRequests)
	require.Equal(t, int64(1), m.TotalErrors)
	require.Equal(t, "50.0%", m.SuccessRate)
}

func TestSendTerminalAbortsImmediately(t *testing.T) {
	fc := &fakeCaller{}
	fc.generate = func(apiKey string) ([]byte, error) {
		if apiKey == "key-000000" {
			return nil, apperrors.MapHTTPError(http.StatusUnauthorized, nil)
		}
		return []byte(`{}`), nil
	}
	d := newTestDispatcher(t, fc, "key-000000", "key-111111", "key-222222")

	_, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	var terminal *TerminalCredentialError
	require.ErrorAs(t, err, &terminal)
	require.Equal(t, 0, terminal.Index)
	require.Equal(t, MaskKey("key-000000"), terminal.Masked)
	require.NotContains(t, terminal.Error(), "key-000000")
	// The bad key must not burn the other keys' retry budget.
	require.Equal(t, []string{"key-000000"}, fc.calledKeys())
	require.Equal(t, "permanently_invalid", d.Metrics().Keys[0].State)

	// Later calls skip the invalid key without being told.
	_, err = d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, []string{"key-000000", "key-111111"}, fc.calledKeys())
}

func TestSendExhaustsPoolThenFails(t *testing.T) {
	fc := &fakeCaller{}
	fc.generate = func(apiKey string) ([]byte, error) {
		return nil, apperrors.MapHTTPError(http.StatusServiceUnavailable, nil)
	}
	d := newTestDispatcher(t, fc, "key-000000", "key-111111", "key-222222")

	_, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	var exhausted *RetryableTransportError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Len(t, fc.calledKeys(), 3, "each key is tried exactly once per call")

	m := d.Metrics()
	for _, k := range m.Keys {
		require.Equal(t, "cooling_down", k.State)
	}

	// Everything is cooling down now; the next call fails fast.
	_, err = d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	var noCreds *NoCredentialsError
	require.ErrorAs(t, err, &noCreds)
	require.Len(t, fc.calledKeys(), 3, "no network attempt without an eligible key")
}

func TestSendEmptyPoolFailsFast(t *testing.T) {
	fc := &fakeCaller{}
	d := New(config.DefaultConfig(), fc, nil)

	_, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	var noCreds *NoCredentialsError
	require.ErrorAs(t, err, &noCreds)

	require.NoError(t, d.Configure(nil))
	_, err = d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	require.ErrorAs(t, err, &noCreds)
	require.Empty(t, fc.calledKeys())
}

func TestSendCancelledContextDoesNotPunishKeys(t *testing.T) {
	fc := &fakeCaller{}
	d := newTestDispatcher(t, fc, "key-000000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Send(ctx, Request{Payload: []byte(`{}`)})
	require.ErrorIs(t, err, context.Canceled)

	m := d.Metrics()
	require.Zero(t, m.TotalRequests)
	require.Equal(t, "healthy", m.Keys[0].State)
}

func TestCooldownElapsedKeyServesAgain(t *testing.T) {
	fc := &fakeCaller{}
	calls := 0
	fc.generate = func(apiKey string) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, apperrors.MapHTTPError(http.StatusServiceUnavailable, nil)
		}
		return []byte(`{}`), nil
	}
	cfg := config.DefaultConfig()
	cfg.CooldownBaseMS = 1
	cfg.CooldownMaxMS = 5
	d := New(cfg, fc, nil)
	require.NoError(t, d.Configure([]string{"key-000000"}))

	_, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	var exhausted *RetryableTransportError
	require.ErrorAs(t, err, &exhausted)

	time.Sleep(20 * time.Millisecond)
	_, err = d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	require.NoError(t, err, "elapsed cooldown must re-activate without intervention")
}

func TestConfigureRejectsDuplicateSecrets(t *testing.T) {
	d := New(config.DefaultConfig(), &fakeCaller{}, nil)
	err := d.Configure([]string{"key-000000", "key-000000"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestResetMetricsRevivesPool(t *testing.T) {
	fc := &fakeCaller{}
	fc.generate = func(apiKey string) ([]byte, error) {
		return nil, apperrors.MapHTTPError(http.StatusForbidden, nil)
	}
	d := newTestDispatcher(t, fc, "key-000000")

	_, err := d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	var terminal *TerminalCredentialError
	require.ErrorAs(t, err, &terminal)

	d.ResetMetrics()
	m := d.Metrics()
	require.Zero(t, m.TotalRequests)
	require.Zero(t, m.TotalErrors)
	require.Equal(t, "healthy", m.Keys[0].State)
	require.Zero(t, m.CurrentKeyIndex)

	fc.generate = nil
	_, err = d.Send(context.Background(), Request{Payload: []byte(`{}`)})
	require.NoError(t, err)
}

func TestListModelsRotatesAndCoolsDown(t *testing.T) {
	fc := &fakeCaller{}
	fc.listModels = func(apiKey string) ([]byte, error) {
		if apiKey == "key-000000" {
			return nil, apperrors.MapHTTPError(http.StatusServiceUnavailable, nil)
		}
		return []byte(`{"models":[{"name":"models/gemini-2.5-flash"}]}`), nil
	}
	d := newTestDispatcher(t, fc, "key-000000", "key-111111")

	body, err := d.ListModels(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(body), "gemini-2.5-flash")
	require.Equal(t, []string{"key-000000", "key-111111"}, fc.calledKeys())

	m := d.Metrics()
	require.Equal(t, "cooling_down", m.Keys[0].State)
	require.EqualValues(t, 1, m.Keys[1].SuccessCount)
}
