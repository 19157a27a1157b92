package keypool

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"gemchat-go/internal/upstream/gemini"
)

// StreamStatus is the lifecycle state of a stream session.
type StreamStatus int

const (
	StreamActive StreamStatus = iota
	StreamCompleted
	StreamCancelled
	StreamFailed
)

func (s StreamStatus) String() string {
	switch s {
	case StreamCompleted:
		return "completed"
	case StreamCancelled:
		return "cancelled"
	case StreamFailed:
		return "failed"
	default:
		return "active"
	}
}

// Stream is one in-flight streaming response served through a chosen
// key. It becomes Active once upstream response headers arrive and makes
// exactly one terminal transition: Completed, Cancelled or Failed. After
// cancellation no further chunk is observed through Recv; a chunk
// already handed off when Cancel fires is dropped, never delivered late.
type Stream struct {
	id       string
	keyIndex int
	masked   string
	model    string

	chunks   chan gemini.Chunk
	cancelCh chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	status  StreamStatus
	err     error
	textLen int64
	byteLen int64

	cancelOnce      sync.Once
	cancelTransport context.CancelFunc

	startedAt time.Time
	onFinish  func(s *Stream, status StreamStatus, err error)
}

func newStream(id string, sel selection, model string, bufferSize int, cancelTransport context.CancelFunc, onFinish func(*Stream, StreamStatus, error)) *Stream {
	return &Stream{
		id:              id,
		keyIndex:        sel.index,
		masked:          sel.masked,
		model:           model,
		chunks:          make(chan gemini.Chunk, bufferSize),
		cancelCh:        make(chan struct{}),
		done:            make(chan struct{}),
		status:          StreamActive,
		cancelTransport: cancelTransport,
		startedAt:       time.Now(),
		onFinish:        onFinish,
	}
}

// ID returns the session identifier used for out-of-band cancellation.
func (s *Stream) ID() string { return s.id }

// KeyIndex returns the pool index of the key serving this stream.
func (s *Stream) KeyIndex() int { return s.keyIndex }

// MaskedKey returns the masked identity of the serving key.
func (s *Stream) MaskedKey() string { return s.masked }

// Model returns the model this stream was opened against.
func (s *Stream) Model() string { return s.model }

// Status returns the current lifecycle state.
func (s *Stream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the terminal error of a failed stream, nil otherwise.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the accumulated text and raw byte lengths delivered so far.
func (s *Stream) Len() (text, raw int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textLen, s.byteLen
}

// Done is closed once the session has reached a terminal state and its
// resources are released.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Recv blocks until the next chunk is available. It returns io.EOF when
// the stream completed, ErrStreamCancelled after cancellation, and the
// underlying failure when the stream failed mid-flight.
func (s *Stream) Recv(ctx context.Context) (gemini.Chunk, error) {
	select {
	case <-s.cancelCh:
		return gemini.Chunk{}, ErrStreamCancelled
	default:
	}
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return gemini.Chunk{}, s.terminalErr()
		}
		select {
		case <-s.cancelCh:
			// Cancelled while this chunk was in flight; drop it.
			return gemini.Chunk{}, ErrStreamCancelled
		default:
		}
		return c, nil
	case <-s.cancelCh:
		return gemini.Chunk{}, ErrStreamCancelled
	case <-ctx.Done():
		return gemini.Chunk{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation: the transport is torn down
// and the pump stops between chunks. Idempotent; cancelling a stream
// that already reached a terminal state is a no-op.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
		if s.cancelTransport != nil {
			s.cancelTransport()
		}
	})
}

func (s *Stream) cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

func (s *Stream) addDelivered(textBytes, rawBytes int) {
	s.mu.Lock()
	s.textLen += int64(textBytes)
	s.byteLen += int64(rawBytes)
	s.mu.Unlock()
}

// finish performs the terminal transition. Only the pump goroutine calls
// it; the Active guard makes a second transition impossible regardless.
func (s *Stream) finish(status StreamStatus, err error) {
	s.mu.Lock()
	if s.status != StreamActive {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.err = err
	s.mu.Unlock()

	close(s.chunks)
	if s.cancelTransport != nil {
		s.cancelTransport()
	}
	if s.onFinish != nil {
		s.onFinish(s, status, err)
	}
	close(s.done)
}

func (s *Stream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StreamCancelled:
		return ErrStreamCancelled
	case StreamFailed:
		if s.err != nil {
			return s.err
		}
		return errors.New("stream failed")
	default:
		return io.EOF
	}
}
