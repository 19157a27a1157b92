package keypool

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gemchat-go/internal/config"
	"gemchat-go/internal/constants"
	apperrors "gemchat-go/internal/errors"
	"gemchat-go/internal/events"
	"gemchat-go/internal/monitoring"
	"gemchat-go/internal/upstream/gemini"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Caller is the upstream surface the dispatcher drives. *gemini.Client
// implements it; tests substitute fakes.
type Caller interface {
	Generate(ctx context.Context, apiKey, model string, payload []byte) ([]byte, error)
	Stream(ctx context.Context, apiKey, model string, payload []byte) (*http.Response, error)
	ListModels(ctx context.Context, apiKey string) ([]byte, error)
}

var _ Caller = (*gemini.Client)(nil)

// Request is one chat turn. Payload is an upstream-ready generateContent
// body; the dispatcher never looks inside it.
type Request struct {
	Model   string
	Payload []byte
}

// Dispatcher owns the key pool and drives attempts across it: select a
// key, call upstream, classify the failure, cool down or invalidate the
// key, and move on to the next one until the call succeeds or the pool
// is exhausted. One dispatcher serves chat traffic, streams and operator
// probes concurrently.
type Dispatcher struct {
	pool   *Pool
	caller Caller
	hub    events.Publisher

	defaultModel  string
	streamBuffer  int
	streamTimeout time.Duration
	probeModel    string
	probeTimeout  time.Duration
	probeAttempts int

	mu        sync.Mutex
	streams   map[string]*Stream
	lastProbe *ProbeRun
}

// New builds a dispatcher with an empty pool. hub may be nil.
func New(cfg *config.Config, caller Caller, hub events.Publisher) *Dispatcher {
	d := &Dispatcher{
		pool:          NewPool(cfg.CooldownBase(), cfg.CooldownMax()),
		caller:        caller,
		hub:           hub,
		defaultModel:  cfg.DefaultModel,
		streamBuffer:  constants.StreamChunkBuffer,
		streamTimeout: constants.UpstreamStreamTimeout,
		probeModel:    cfg.ProbeModel,
		probeTimeout:  cfg.ProbeTimeout(),
		probeAttempts: cfg.ProbeAttempts,
		streams:       make(map[string]*Stream),
	}
	if d.defaultModel == "" {
		d.defaultModel = "gemini-2.5-flash"
	}
	if d.probeModel == "" {
		d.probeModel = d.defaultModel
	}
	return d
}

// Configure replaces the key pool. Configuring an empty pool is allowed;
// requests then fail fast with NoCredentialsError.
func (d *Dispatcher) Configure(secrets []string) error {
	if err := d.pool.Configure(secrets); err != nil {
		return err
	}
	log.WithField("total_keys", len(secrets)).Info("Key pool configured")
	d.publish(events.TopicPoolConfigured, map[string]any{
		"total_keys": len(secrets),
		"generation": d.pool.Generation(),
	})
	return nil
}

// Send performs a single-shot (non-streaming) call, rotating through the
// pool until a success, a terminal key failure, or every key has been
// tried once.
func (d *Dispatcher) Send(ctx context.Context, req Request) ([]byte, error) {
	model := d.modelFor(req)
	bound := d.pool.Len()
	if bound == 0 {
		monitoring.DispatchRequestsTotal.WithLabelValues("chat", "error").Inc()
		return nil, &NoCredentialsError{}
	}

	var lastErr error
	var lastMasked string
	attempts := 0
	for attempts < bound {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sel, err := d.acquire()
		if err != nil {
			monitoring.DispatchRequestsTotal.WithLabelValues("chat", "error").Inc()
			if attempts > 0 && lastErr != nil {
				return nil, &RetryableTransportError{Masked: lastMasked, Attempts: attempts, Err: lastErr}
			}
			return nil, err
		}
		attempts++

		start := time.Now()
		body, callErr := d.caller.Generate(ctx, sel.secret, model, req.Payload)
		latency := time.Since(start)
		monitoring.UpstreamRequestDuration.WithLabelValues("chat").Observe(latency.Seconds())

		if callErr == nil {
			d.pool.recordSuccess(sel.index, latency)
			monitoring.DispatchAttemptsTotal.WithLabelValues(sel.masked, "success").Inc()
			monitoring.DispatchRequestsTotal.WithLabelValues("chat", "success").Inc()
			return body, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the key.
			return nil, ctx.Err()
		}

		lastErr = callErr
		lastMasked = sel.masked
		if terminal := d.recordFailure(sel, callErr, latency); terminal != nil {
			monitoring.DispatchRequestsTotal.WithLabelValues("chat", "error").Inc()
			return nil, terminal
		}
	}
	monitoring.DispatchRequestsTotal.WithLabelValues("chat", "error").Inc()
	return nil, &RetryableTransportError{Masked: lastMasked, Attempts: attempts, Err: lastErr}
}

// SendStream opens a streaming call. The returned stream is detached
// from ctx: its chunks outlive the originating request and cancellation
// arrives out of band via Stream.Cancel or Dispatcher.CancelStream.
// Request values (trace context) are preserved.
func (d *Dispatcher) SendStream(ctx context.Context, req Request) (*Stream, error) {
	model := d.modelFor(req)
	bound := d.pool.Len()
	if bound == 0 {
		monitoring.DispatchRequestsTotal.WithLabelValues("stream", "error").Inc()
		return nil, &NoCredentialsError{}
	}

	var lastErr error
	var lastMasked string
	attempts := 0
	for attempts < bound {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sel, err := d.acquire()
		if err != nil {
			monitoring.DispatchRequestsTotal.WithLabelValues("stream", "error").Inc()
			if attempts > 0 && lastErr != nil {
				return nil, &RetryableTransportError{Masked: lastMasked, Attempts: attempts, Err: lastErr}
			}
			return nil, err
		}
		attempts++

		streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.streamTimeout)
		start := time.Now()
		resp, callErr := d.caller.Stream(streamCtx, sel.secret, model, req.Payload)
		connectLatency := time.Since(start)
		monitoring.UpstreamRequestDuration.WithLabelValues("stream").Observe(connectLatency.Seconds())

		if callErr == nil {
			s := newStream(uuid.NewString(), sel, model, d.streamBuffer, cancel, d.finishStream)
			d.mu.Lock()
			d.streams[s.id] = s
			d.mu.Unlock()
			monitoring.StreamsActive.Inc()
			log.WithFields(log.Fields{
				"stream_id": s.id,
				"key":       sel.masked,
				"model":     model,
			}).Info("Stream session started")
			go d.pump(s, resp.Body)
			return s, nil
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = callErr
		lastMasked = sel.masked
		if terminal := d.recordFailure(sel, callErr, connectLatency); terminal != nil {
			monitoring.DispatchRequestsTotal.WithLabelValues("stream", "error").Inc()
			return nil, terminal
		}
	}
	monitoring.DispatchRequestsTotal.WithLabelValues("stream", "error").Inc()
	return nil, &RetryableTransportError{Masked: lastMasked, Attempts: attempts, Err: lastErr}
}

// ListModels fetches the upstream model catalog, rotating through the
// pool the same way a chat call does.
func (d *Dispatcher) ListModels(ctx context.Context) ([]byte, error) {
	bound := d.pool.Len()
	if bound == 0 {
		monitoring.DispatchRequestsTotal.WithLabelValues("models", "error").Inc()
		return nil, &NoCredentialsError{}
	}

	var lastErr error
	var lastMasked string
	attempts := 0
	for attempts < bound {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sel, err := d.acquire()
		if err != nil {
			monitoring.DispatchRequestsTotal.WithLabelValues("models", "error").Inc()
			if attempts > 0 && lastErr != nil {
				return nil, &RetryableTransportError{Masked: lastMasked, Attempts: attempts, Err: lastErr}
			}
			return nil, err
		}
		attempts++

		start := time.Now()
		body, callErr := d.caller.ListModels(ctx, sel.secret)
		latency := time.Since(start)

		if callErr == nil {
			d.pool.recordSuccess(sel.index, latency)
			monitoring.DispatchAttemptsTotal.WithLabelValues(sel.masked, "success").Inc()
			monitoring.DispatchRequestsTotal.WithLabelValues("models", "success").Inc()
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = callErr
		lastMasked = sel.masked
		if terminal := d.recordFailure(sel, callErr, latency); terminal != nil {
			monitoring.DispatchRequestsTotal.WithLabelValues("models", "error").Inc()
			return nil, terminal
		}
	}
	monitoring.DispatchRequestsTotal.WithLabelValues("models", "error").Inc()
	return nil, &RetryableTransportError{Masked: lastMasked, Attempts: attempts, Err: lastErr}
}

// CancelStream cancels the stream with the given id. Returns false when
// no active stream carries that id. Idempotent through Stream.Cancel.
func (d *Dispatcher) CancelStream(id string) bool {
	d.mu.Lock()
	s, ok := d.streams[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// StreamInfo describes one active stream session for the management API.
type StreamInfo struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	TextChars int64     `json:"text_chars"`
	RawBytes  int64     `json:"raw_bytes"`
	StartedAt time.Time `json:"started_at"`
}

// ActiveStreams lists sessions that have not reached a terminal state.
func (d *Dispatcher) ActiveStreams() []StreamInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StreamInfo, 0, len(d.streams))
	for _, s := range d.streams {
		text, raw := s.Len()
		out = append(out, StreamInfo{
			ID:        s.id,
			Key:       s.masked,
			Model:     s.model,
			Status:    s.Status().String(),
			TextChars: text,
			RawBytes:  raw,
			StartedAt: s.startedAt,
		})
	}
	return out
}

// Metrics returns a pool snapshot. Never blocks on in-flight requests.
func (d *Dispatcher) Metrics() PoolMetrics {
	return d.pool.Snapshot()
}

// ResetMetrics zeroes all counters and revives every key. Operator
// action; retry logic never calls this.
func (d *Dispatcher) ResetMetrics() {
	d.pool.Reset()
	log.Info("Pool metrics reset, all keys back to healthy")
	d.publish(events.TopicMetricsReset, nil)
}

// ExportState dumps per-key health for persistence.
func (d *Dispatcher) ExportState() []KeySnapshot {
	return d.pool.ExportState()
}

// RestoreState applies persisted per-key health, matching by secret
// fingerprint.
func (d *Dispatcher) RestoreState(snaps []KeySnapshot) int {
	applied := d.pool.RestoreState(snaps)
	if applied > 0 {
		log.WithField("restored", applied).Info("Key health state restored")
	}
	return applied
}

// PoolSize returns the number of configured keys.
func (d *Dispatcher) PoolSize() int {
	return d.pool.Len()
}

// acquire wraps pool.acquire and publishes a recovery event when a
// cooled-down key was promoted back to healthy.
func (d *Dispatcher) acquire() (selection, error) {
	sel, err := d.pool.acquire()
	if err != nil {
		return selection{}, err
	}
	if sel.promoted {
		log.WithField("key", sel.masked).Debug("Cooldown elapsed, key back in rotation")
		d.publish(events.TopicKeyRecovered, map[string]any{
			"index": sel.index,
			"key":   sel.masked,
		})
	}
	return sel, nil
}

// recordFailure classifies callErr and updates the key's health. It
// returns a non-nil TerminalCredentialError when the call must abort.
func (d *Dispatcher) recordFailure(sel selection, callErr error, latency time.Duration) error {
	if apperrors.Classify(callErr) == apperrors.Terminal {
		d.pool.recordTerminal(sel.index, callErr.Error(), latency)
		monitoring.DispatchAttemptsTotal.WithLabelValues(sel.masked, "terminal").Inc()
		log.WithFields(log.Fields{
			"key":   sel.masked,
			"index": sel.index,
		}).WithError(callErr).Error("Key permanently invalid, aborting call")
		d.publish(events.TopicKeyInvalidated, map[string]any{
			"index":  sel.index,
			"key":    sel.masked,
			"reason": callErr.Error(),
		})
		return &TerminalCredentialError{Index: sel.index, Masked: sel.masked, Err: callErr}
	}

	until := d.pool.recordRetryable(sel.index, callErr.Error(), retryAfterOf(callErr), latency)
	monitoring.DispatchAttemptsTotal.WithLabelValues(sel.masked, "retryable").Inc()
	log.WithFields(log.Fields{
		"key":            sel.masked,
		"index":          sel.index,
		"cooldown_until": until.Format(time.RFC3339),
	}).WithError(callErr).Warn("Key cooled down, rotating to next")
	d.publish(events.TopicKeyCooledDown, map[string]any{
		"index": sel.index,
		"key":   sel.masked,
		"until": until,
	})
	return nil
}

// pump moves chunks from the upstream body into the session until the
// stream ends, fails, or cancellation wins. Sole author of the terminal
// transition.
func (d *Dispatcher) pump(s *Stream, body io.ReadCloser) {
	defer body.Close()
	scanErr := gemini.ScanStream(body, func(c gemini.Chunk) error {
		select {
		case <-s.cancelCh:
			return context.Canceled
		default:
		}
		select {
		case s.chunks <- c:
			s.addDelivered(len(c.Text), len(c.Raw))
			return nil
		case <-s.cancelCh:
			return context.Canceled
		}
	})

	switch {
	case s.cancelled():
		s.finish(StreamCancelled, nil)
	case scanErr != nil:
		s.finish(StreamFailed, scanErr)
	default:
		s.finish(StreamCompleted, nil)
	}
}

// finishStream records the stream outcome against its key and drops the
// session from the registry. Completed and cancelled streams count as
// key successes: headers and chunks arrived, so the key works; a cancel
// is the caller's choice.
func (d *Dispatcher) finishStream(s *Stream, status StreamStatus, err error) {
	latency := time.Since(s.startedAt)
	switch status {
	case StreamFailed:
		monitoring.DispatchRequestsTotal.WithLabelValues("stream", "error").Inc()
		d.recordFailure(selection{index: s.keyIndex, masked: s.masked}, err, latency)
	default:
		monitoring.DispatchRequestsTotal.WithLabelValues("stream", "success").Inc()
		d.pool.recordSuccess(s.keyIndex, latency)
		monitoring.DispatchAttemptsTotal.WithLabelValues(s.masked, "success").Inc()
	}

	d.mu.Lock()
	delete(d.streams, s.id)
	d.mu.Unlock()

	monitoring.StreamsActive.Dec()
	monitoring.StreamsTotal.WithLabelValues(status.String()).Inc()

	text, raw := s.Len()
	entry := log.WithFields(log.Fields{
		"stream_id":  s.id,
		"key":        s.masked,
		"status":     status.String(),
		"text_chars": text,
		"raw_bytes":  raw,
		"duration":   latency.Round(time.Millisecond).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("Stream session finished")
	} else {
		entry.Info("Stream session finished")
	}
}

func (d *Dispatcher) modelFor(req Request) string {
	if strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return d.defaultModel
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(context.Background(), topic, payload, nil)
}

func retryAfterOf(err error) time.Duration {
	var ue *apperrors.UpstreamError
	if stderrors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}
