// Package voice captures microphone audio for transcription and plays back
// synthesized speech. Both directions use the chunk read discipline of the
// stage stream; audio is raw bytes, never framed records.
package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/chunk"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

const (
	DefaultFormat          = "wav"
	DefaultMaxCaptureBytes = 10 << 20
	DefaultPrebufferBytes  = 8 << 10
)

// Capturer is a microphone source. Closing the returned body stops recording.
type Capturer interface {
	Start(ctx context.Context) (io.ReadCloser, error)
}

// Transcriber turns captured audio into text. An empty language asks the
// service to detect it.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format, language string) (*types.Transcript, error)
}

// Synthesizer returns streamed audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFormat sets the audio format sent with captured audio.
func WithFormat(format string) Option {
	return func(p *Pipeline) {
		if format != "" {
			p.format = format
		}
	}
}

// WithChunkSize sets the read size for capture and playback.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		p.chunkSize = n
	}
}

// WithMaxCaptureBytes bounds one capture. Recording stops when it is reached.
func WithMaxCaptureBytes(n int) Option {
	return func(p *Pipeline) {
		p.maxCapture = n
	}
}

// WithPrebufferBytes sets how much synthesized audio is buffered before the
// first write to the player.
func WithPrebufferBytes(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.prebuffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics counts captured and played bytes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

type capture struct {
	reader *chunk.Reader
	buf    *chunk.Buffer
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Pipeline owns the single active capture of the process.
type Pipeline struct {
	transcriber Transcriber
	synthesizer Synthesizer
	format      string
	chunkSize   int
	maxCapture  int
	prebuffer   int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	active *capture
}

// NewPipeline creates a pipeline.
func NewPipeline(t Transcriber, s Synthesizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		transcriber: t,
		synthesizer: s,
		format:      DefaultFormat,
		maxCapture:  DefaultMaxCaptureBytes,
		prebuffer:   DefaultPrebufferBytes,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartCapture begins recording from c. A capture that is already running is
// stopped (and its audio dropped) first.
func (p *Pipeline) StartCapture(ctx context.Context, c Capturer) error {
	if c == nil {
		return core.NewInvalidRequestError("capturer must not be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev := p.active; prev != nil {
		p.active = nil
		prev.stop()
		p.logger.Info("previous audio capture stopped for a new one", "dropped_bytes", prev.buf.Len())
	}

	captureCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	body, err := c.Start(captureCtx)
	if err != nil {
		cancel()
		return err
	}
	cp := &capture{
		reader: chunk.NewReader(captureCtx, body, p.chunkSize),
		buf:    chunk.NewBuffer(p.maxCapture),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.active = cp
	go p.record(cp)
	return nil
}

func (p *Pipeline) record(cp *capture) {
	defer close(cp.done)
	for {
		data, err := cp.reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, chunk.ErrClosed) {
				cp.err = err
			}
			return
		}
		if _, err := cp.buf.Write(data); err != nil {
			p.logger.Warn("audio capture limit reached", "bytes", cp.buf.Len())
			_ = cp.reader.Close()
			return
		}
		p.metrics.Audio("in", len(data))
	}
}

func (cp *capture) stop() {
	cp.cancel()
	_ = cp.reader.Close()
	<-cp.done
}

// Capturing reports whether a capture is active.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Buffered returns the number of bytes recorded by the active capture.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return 0
	}
	return p.active.buf.Len()
}

// StopCapture ends the active capture and returns its audio.
func (p *Pipeline) StopCapture() ([]byte, error) {
	p.mu.Lock()
	cp := p.active
	p.active = nil
	p.mu.Unlock()

	if cp == nil {
		return nil, core.NewInvalidStateError("stop capture", "idle")
	}
	cp.stop()
	return cp.buf.Drain(), cp.err
}

// StopAndTranscribe ends the active capture and transcribes what it recorded,
// passing language as a hint.
func (p *Pipeline) StopAndTranscribe(ctx context.Context, language string) (*types.Transcript, error) {
	audio, err := p.StopCapture()
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, core.NewInvalidRequestError("no audio was captured")
	}
	if p.transcriber == nil {
		return nil, core.NewInvalidRequestError("no transcriber configured")
	}
	return p.transcriber.Transcribe(ctx, audio, p.format, language)
}

// Speak synthesizes text and writes the audio to player as it arrives. The
// first write waits until the prebuffer is filled or the stream ends.
func (p *Pipeline) Speak(ctx context.Context, text string, player io.Writer) error {
	if player == nil {
		return core.NewInvalidRequestError("player must not be nil")
	}
	if p.synthesizer == nil {
		return core.NewInvalidRequestError("no synthesizer configured")
	}
	body, err := p.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	reader := chunk.NewReader(gctx, body, p.chunkSize)
	chunks := make(chan []byte, 16)

	g.Go(func() error {
		defer close(chunks)
		defer reader.Close()
		for {
			data, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, chunk.ErrClosed) {
				return gctx.Err()
			}
			if err != nil {
				return err
			}
			select {
			case chunks <- data:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		pre := chunk.NewBuffer(0)
		started := p.prebuffer == 0
		write := func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			n, err := player.Write(data)
			p.metrics.Audio("out", n)
			return err
		}
		for data := range chunks {
			if !started {
				_, _ = pre.Write(data)
				if pre.Len() < p.prebuffer {
					continue
				}
				started = true
				data = pre.Drain()
			}
			if err := write(data); err != nil {
				return err
			}
		}
		return write(pre.Drain())
	})

	return g.Wait()
}
