// Package stream opens a dataset ingestion progress stream and exposes it as
// an ordered, cancellable, lazy sequence of stage records.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/chunk"
	"github.com/vango-go/datachat/pkg/core/frame"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

// ErrCanceled is returned by Next once the stream was cancelled.
var ErrCanceled = errors.New("stage stream canceled")

// Transport opens the connection that carries the framed stage stream.
// The returned body is read incrementally until a terminal record arrives.
type Transport interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, locator string) (io.ReadCloser, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	return f(ctx, locator)
}

// Options configures a Stream.
type Options struct {
	ChunkSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Stream is one outstanding stage stream.
//
// Next is meant for a single consumer goroutine. Cancel may be called from any
// goroutine; once it returns, Next never hands out another record.
type Stream struct {
	locator string
	reader  *chunk.Reader
	decoder *frame.Decoder
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	pending      []types.StageRecord
	terminalSeen bool
	finished     bool
	err          error

	// handoff orders popping a buffered record against Cancel.
	handoff  sync.Mutex
	canceled atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// Open establishes one connection through t and returns the stream reading it.
func Open(ctx context.Context, t Transport, locator string, opts Options) (*Stream, error) {
	if t == nil {
		return nil, core.NewInvalidRequestError("stage stream transport must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	body, err := t.Open(streamCtx, locator)
	if err != nil {
		cancel()
		return nil, err
	}
	opts.Metrics.StreamOpened()

	s := &Stream{
		locator: locator,
		reader:  chunk.NewReader(streamCtx, body, opts.ChunkSize),
		cancel:  cancel,
		logger:  logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	s.decoder = frame.NewDecoder(
		frame.WithLogger(logger),
		frame.WithMalformedHook(func([]byte) { opts.Metrics.RecordMalformed() }),
	)
	return s, nil
}

// Locator returns the dataset locator the stream was opened for.
func (s *Stream) Locator() string {
	return s.locator
}

// Next returns the next stage record in arrival order.
//
// A READY record is returned with a nil error and every later call returns
// io.EOF. An ERROR record is returned together with a protocol *core.Error,
// which later calls repeat. A transport failure before any terminal record
// yields a transport *core.Error. After Cancel, Next returns ErrCanceled.
func (s *Stream) Next() (types.StageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.canceled.Load() {
			return types.StageRecord{}, ErrCanceled
		}
		if s.finished {
			return types.StageRecord{}, s.terminalErr()
		}

		if len(s.pending) > 0 {
			s.handoff.Lock()
			if s.canceled.Load() {
				s.handoff.Unlock()
				return types.StageRecord{}, ErrCanceled
			}
			rec := s.pending[0]
			s.pending = s.pending[1:]
			s.handoff.Unlock()
			s.metrics.RecordDelivered(string(rec.Stage))

			switch rec.Stage {
			case types.StageReady:
				s.finish(nil, metrics.OutcomeReady)
				return rec, nil
			case types.StageError:
				err := core.NewProtocolError(rec.ErrorMessage(), rec.Code)
				s.finish(err, metrics.OutcomeError)
				return rec, err
			default:
				return rec, nil
			}
		}

		data, err := s.reader.Next()
		if err != nil {
			if s.canceled.Load() || errors.Is(err, chunk.ErrClosed) {
				return types.StageRecord{}, ErrCanceled
			}
			if errors.Is(err, io.EOF) {
				s.enqueue(s.decoder.Flush())
				if len(s.pending) > 0 {
					continue
				}
				err = io.ErrUnexpectedEOF
			}
			s.logger.Warn("stage stream ended before a terminal record", "locator", s.locator, "error", err)
			s.finish(core.NewTransportError(err), metrics.OutcomeTransport)
			return types.StageRecord{}, s.err
		}
		s.enqueue(s.decoder.Feed(data))
	}
}

// Cancel closes the underlying transport. It is idempotent.
func (s *Stream) Cancel() {
	s.CancelAs(metrics.OutcomeCanceled)
}

// CancelAs is Cancel with the outcome recorded for metrics.
func (s *Stream) CancelAs(outcome string) {
	s.handoff.Lock()
	first := s.canceled.CompareAndSwap(false, true)
	s.handoff.Unlock()
	if !first {
		return
	}
	s.cancel()
	_ = s.reader.Close()
	s.doneOnce.Do(func() {
		s.metrics.StreamFinished(outcome)
		close(s.done)
	})
}

// Canceled reports whether Cancel was called.
func (s *Stream) Canceled() bool {
	return s.canceled.Load()
}

// Done is closed once the stream reached its terminal outcome or was cancelled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error: nil while running or after READY.
func (s *Stream) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if s.canceled.Load() {
		return ErrCanceled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) terminalErr() error {
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// enqueue decodes raw records. Everything after a terminal record is dropped
// and the transport is released since nothing more will be delivered.
func (s *Stream) enqueue(raws []json.RawMessage) {
	for _, raw := range raws {
		if s.terminalSeen {
			s.metrics.RecordDropped()
			continue
		}
		var rec types.StageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping undecodable stage record", "error", err)
			s.metrics.RecordMalformed()
			continue
		}
		if !rec.Stage.Valid() {
			s.logger.Warn("skipping stage record with unknown stage", "stage", string(rec.Stage))
			s.metrics.RecordMalformed()
			continue
		}
		s.pending = append(s.pending, rec)
		if rec.Stage.Terminal() {
			s.terminalSeen = true
		}
	}
}

func (s *Stream) finish(err error, outcome string) {
	s.finished = true
	s.err = err
	s.doneOnce.Do(func() {
		s.metrics.StreamFinished(outcome)
		close(s.done)
	})
	s.cancel()
	_ = s.reader.Close()
}
