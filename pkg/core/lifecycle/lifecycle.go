// Package lifecycle tracks one dataset's ingestion and readiness for one
// conversation.
//
//	NO_DATASET --connect--> LOADING
//	LOADING --stage--> LOADING
//	LOADING --READY--> READY_FOR_INSPECTION
//	LOADING --ERROR record or transport failure--> ERROR
//	READY_FOR_INSPECTION --acknowledge or skip--> LOCKED_FOR_QUERY
//	LOCKED_FOR_QUERY --session reset--> NO_DATASET
//	ERROR --retry--> LOADING
//	any --discard--> terminal
//
// The lifecycle owns at most one stage stream. Records are applied under the
// lifecycle lock and tagged with the generation of the stream that produced
// them, so a replaced or cancelled stream can never change state.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/stream"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

// ErrDiscarded is returned by every operation on a discarded lifecycle.
var ErrDiscarded = errors.New("dataset lifecycle discarded")

// Snapshot is a consistent copy of the lifecycle.
type Snapshot struct {
	State     types.State
	Stage     types.Stage
	Message   string
	StageAt   time.Time
	Metadata  *types.DatasetMetadata
	Err       *core.Error
	Locator   string
	Discarded bool
	// Version increases with every change.
	Version uint64
}

// ErrorMessage returns the message to surface in ERROR, or "".
func (s Snapshot) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Message
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lc *Lifecycle) {
		if l != nil {
			lc.logger = l
		}
	}
}

// WithMetrics records transitions and stream outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lc *Lifecycle) {
		lc.metrics = m
	}
}

// WithStallTimeout resolves LOADING to ERROR when no record arrives for d.
// Zero disables the watchdog.
func WithStallTimeout(d time.Duration) Option {
	return func(lc *Lifecycle) {
		lc.stallTimeout = d
	}
}

// WithChunkSize sets the stage stream read size.
func WithChunkSize(n int) Option {
	return func(lc *Lifecycle) {
		lc.chunkSize = n
	}
}

// WithClock overrides time.Now for stage timestamps.
func WithClock(now func() time.Time) Option {
	return func(lc *Lifecycle) {
		if now != nil {
			lc.now = now
		}
	}
}

type observer struct {
	id int
	fn func(Snapshot)
}

// Lifecycle is safe for concurrent use.
type Lifecycle struct {
	transport    stream.Transport
	logger       *slog.Logger
	metrics      *metrics.Metrics
	stallTimeout time.Duration
	chunkSize    int
	now          func() time.Time

	mu        sync.Mutex
	state     types.State
	stage     types.Stage
	message   string
	stageAt   time.Time
	metadata  *types.DatasetMetadata
	err       *core.Error
	locator   string
	discarded bool
	version   uint64
	gen       uint64
	current   *stream.Stream

	observers  []observer
	nextObs    int
	pending    []Snapshot
	dispatchOn bool
	wake       chan struct{}
	stop       chan struct{}
}

// New creates a lifecycle in NO_DATASET that opens stage streams through t.
func New(t stream.Transport, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		transport: t,
		logger:    slog.Default(),
		now:       time.Now,
		state:     types.StateNoDataset,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Snapshot returns a consistent copy of the current state.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// State returns the current state.
func (l *Lifecycle) State() types.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CanQuery reports whether queries are allowed.
func (l *Lifecycle) CanQuery() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.discarded && l.state == types.StateLockedForQuery
}

// VoiceEnabled reports whether voice input is allowed.
func (l *Lifecycle) VoiceEnabled() bool {
	return l.CanQuery()
}

// Connect starts ingesting locator. From LOADING the outstanding stream is
// cancelled first, so at most one stream is ever active.
func (l *Lifecycle) Connect(ctx context.Context, locator string) error {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return core.NewInvalidRequestError("dataset locator must not be empty")
	}
	return l.start(ctx, "connect", locator, types.StateNoDataset, types.StateLoading)
}

// Retry re-enters LOADING from ERROR with a fresh stream for the last locator.
func (l *Lifecycle) Retry(ctx context.Context) error {
	return l.start(ctx, "retry", "", types.StateError)
}

// Acknowledge marks the inspected metadata as accepted.
func (l *Lifecycle) Acknowledge() error {
	return l.lock("acknowledge")
}

// Skip bypasses inspection.
func (l *Lifecycle) Skip() error {
	return l.lock("skip")
}

// SetMetadata attaches structural metadata. It is only accepted once READY
// was observed.
func (l *Lifecycle) SetMetadata(meta *types.DatasetMetadata) error {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return ErrDiscarded
	}
	if l.state != types.StateReadyForInspection && l.state != types.StateLockedForQuery {
		state := l.state
		l.mu.Unlock()
		return core.NewInvalidStateError("set metadata", string(state))
	}
	l.metadata = meta.Clone()
	l.changedLocked()
	l.mu.Unlock()
	l.publish()
	return nil
}

// Reset returns to NO_DATASET from any state, cancelling any stream. The last
// locator is kept so the caller can reconnect.
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return ErrDiscarded
	}
	l.cancelLocked(metrics.OutcomeCanceled)
	from := l.state
	l.state = types.StateNoDataset
	l.stage = types.StageNone
	l.message = ""
	l.stageAt = l.now()
	l.metadata = nil
	l.err = nil
	snap := l.changedLocked()
	l.mu.Unlock()

	l.transitioned(from, snap)
	l.publish()
	return nil
}

// Discard cancels any stream and ends the lifecycle. It is idempotent.
func (l *Lifecycle) Discard() {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return
	}
	l.cancelLocked(metrics.OutcomeCanceled)
	l.discarded = true
	l.changedLocked()
	l.mu.Unlock()

	l.publish()
	close(l.stop)
}

// Subscribe registers fn for every change, delivered in version order on a
// dedicated goroutine. The returned function unsubscribes.
func (l *Lifecycle) Subscribe(fn func(Snapshot)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.discarded || fn == nil {
		return func() {}
	}
	l.nextObs++
	id := l.nextObs
	l.observers = append(l.observers, observer{id: id, fn: fn})
	if !l.dispatchOn {
		l.dispatchOn = true
		go l.dispatch()
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, o := range l.observers {
			if o.id == id {
				l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
				return
			}
		}
	}
}

func (l *Lifecycle) start(ctx context.Context, op, locator string, allowed ...types.State) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return ErrDiscarded
	}
	if !stateIn(l.state, allowed) {
		state := l.state
		l.mu.Unlock()
		return core.NewInvalidStateError(op, string(state))
	}
	if locator == "" {
		locator = l.locator
	}
	if locator == "" {
		state := l.state
		l.mu.Unlock()
		return core.NewInvalidStateError(op+" without a dataset locator", string(state))
	}

	l.cancelLocked(metrics.OutcomeCanceled)
	from := l.state
	l.state = types.StateLoading
	l.stage = types.StageValidatingURL
	l.message = ""
	l.stageAt = l.now()
	l.metadata = nil
	l.err = nil
	l.locator = locator
	gen := l.gen
	snap := l.changedLocked()
	l.mu.Unlock()

	l.logger.Info("dataset connect", "op", op, "locator", locator)
	l.transitioned(from, snap)
	l.publish()

	// The stream outlives the call that started it; it ends through Cancel.
	s, err := stream.Open(context.WithoutCancel(ctx), l.transport, locator, stream.Options{
		ChunkSize: l.chunkSize,
		Logger:    l.logger,
		Metrics:   l.metrics,
	})

	l.mu.Lock()
	if l.gen != gen || l.discarded {
		l.mu.Unlock()
		if s != nil {
			s.Cancel()
		}
		return nil
	}
	if err != nil {
		snap := l.failLocked(failure(err))
		l.mu.Unlock()
		l.logger.Warn("dataset connect failed", "locator", locator, "error", err)
		l.transitioned(types.StateLoading, snap)
		l.publish()
		return nil
	}
	l.current = s
	l.mu.Unlock()

	go l.pump(gen, s)
	return nil
}

func (l *Lifecycle) pump(gen uint64, s *stream.Stream) {
	var stall *time.Timer
	if l.stallTimeout > 0 {
		stall = time.AfterFunc(l.stallTimeout, func() { l.stalled(gen) })
		defer stall.Stop()
	}
	for {
		rec, err := s.Next()
		if errors.Is(err, stream.ErrCanceled) {
			return
		}
		if stall != nil {
			stall.Reset(l.stallTimeout)
		}
		if !l.apply(gen, rec, err) {
			return
		}
	}
}

// apply folds one stream result into the state and reports whether the
// stream should keep being read.
func (l *Lifecycle) apply(gen uint64, rec types.StageRecord, err error) bool {
	l.mu.Lock()
	if l.gen != gen || l.discarded || l.state != types.StateLoading {
		l.mu.Unlock()
		return false
	}

	var snap Snapshot
	switch {
	case rec.Stage == types.StageReady:
		l.state = types.StateReadyForInspection
		l.stage = types.StageReady
		l.message = rec.Message
		l.stageAt = l.now()
		l.current = nil
		snap = l.changedLocked()
	case rec.Stage == types.StageError:
		snap = l.failLocked(failure(err))
	case rec.Stage != types.StageNone:
		l.stage = rec.Stage
		l.message = rec.Message
		l.stageAt = l.now()
		snap = l.changedLocked()
	case err != nil:
		snap = l.failLocked(failure(err))
	default:
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	if snap.State != types.StateLoading {
		l.logger.Info("dataset stream finished", "locator", snap.Locator, "state", string(snap.State), "error", snap.ErrorMessage())
		l.transitioned(types.StateLoading, snap)
	}
	l.publish()
	return snap.State == types.StateLoading
}

func (l *Lifecycle) stalled(gen uint64) {
	l.mu.Lock()
	if l.gen != gen || l.discarded || l.state != types.StateLoading {
		l.mu.Unlock()
		return
	}
	l.cancelLocked(metrics.OutcomeStalled)
	snap := l.failLocked(core.NewTimeoutError("dataset ingestion", nil))
	l.mu.Unlock()

	l.logger.Warn("dataset stream stalled", "locator", snap.Locator, "timeout", l.stallTimeout)
	l.transitioned(types.StateLoading, snap)
	l.publish()
}

func (l *Lifecycle) lock(op string) error {
	l.mu.Lock()
	if l.discarded {
		l.mu.Unlock()
		return ErrDiscarded
	}
	if l.state != types.StateReadyForInspection {
		state := l.state
		l.mu.Unlock()
		return core.NewInvalidStateError(op, string(state))
	}
	l.state = types.StateLockedForQuery
	l.stage = types.StageNone
	l.stageAt = l.now()
	snap := l.changedLocked()
	l.mu.Unlock()

	l.transitioned(types.StateReadyForInspection, snap)
	l.publish()
	return nil
}

// failLocked moves to ERROR. The current stream, if any, is cancelled and its
// generation retired.
func (l *Lifecycle) failLocked(err *core.Error) Snapshot {
	l.cancelLocked(metrics.OutcomeCanceled)
	l.state = types.StateError
	l.stage = types.StageError
	l.message = err.Message
	l.stageAt = l.now()
	l.err = err
	return l.changedLocked()
}

func (l *Lifecycle) cancelLocked(outcome string) {
	l.gen++
	if l.current != nil {
		l.current.CancelAs(outcome)
		l.current = nil
	}
}

func (l *Lifecycle) changedLocked() Snapshot {
	l.version++
	snap := l.snapshotLocked()
	if l.dispatchOn {
		l.pending = append(l.pending, snap)
	}
	return snap
}

func (l *Lifecycle) snapshotLocked() Snapshot {
	return Snapshot{
		State:     l.state,
		Stage:     l.stage,
		Message:   l.message,
		StageAt:   l.stageAt,
		Metadata:  l.metadata.Clone(),
		Err:       l.err,
		Locator:   l.locator,
		Discarded: l.discarded,
		Version:   l.version,
	}
}

func (l *Lifecycle) transitioned(from types.State, snap Snapshot) {
	if from == snap.State {
		return
	}
	l.metrics.Transition(string(from), string(snap.State))
	l.logger.Debug("dataset lifecycle transition", "from", string(from), "to", string(snap.State), "version", snap.Version)
}

func (l *Lifecycle) publish() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Lifecycle) dispatch() {
	for {
		select {
		case <-l.wake:
		case <-l.stop:
			l.deliver()
			return
		}
		l.deliver()
	}
}

func (l *Lifecycle) deliver() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.pending
		l.pending = nil
		obs := append([]observer(nil), l.observers...)
		l.mu.Unlock()

		for _, snap := range batch {
			for _, o := range obs {
				o.fn(snap)
			}
		}
	}
}

// failure keeps structured service errors verbatim and maps everything else
// to the generic connectivity error.
func failure(err error) *core.Error {
	var cerr *core.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return core.NewTransportError(err)
}

func stateIn(s types.State, allowed []types.State) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
