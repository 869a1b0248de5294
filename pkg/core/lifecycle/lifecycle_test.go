package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

type fakeConn struct {
	locator string
	r       *io.PipeReader
	w       *io.PipeWriter
}

func (c *fakeConn) send(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(c.w, s); err != nil {
		t.Fatalf("write to stream: %v", err)
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeTransport) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r, w := io.Pipe()
	f.conns = append(f.conns, &fakeConn{locator: locator, r: r, w: w})
	return r, nil
}

func (f *fakeTransport) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		t.Fatalf("stream %d was never opened (opened %d)", i, len(f.conns))
	}
	return f.conns[i]
}

func (f *fakeTransport) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func waitFor(t *testing.T, l *Lifecycle, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := l.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, snap)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func inState(s types.State) func(Snapshot) bool {
	return func(snap Snapshot) bool { return snap.State == s }
}

func TestLifecycle_SheetAScenario(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	if err := l.Connect(context.Background(), "sheet-A"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if snap := l.Snapshot(); snap.State != types.StateLoading || snap.Stage != types.StageValidatingURL {
		t.Fatalf("state=%s stage=%q, want LOADING at VALIDATING_URL", snap.State, snap.Stage)
	}

	c := tr.conn(t, 0)
	if c.locator != "sheet-A" {
		t.Fatalf("locator=%q", c.locator)
	}
	c.send(t, "data: {\"stage\":\"VALIDATING_URL\"}\n\ndata: {\"stage\":\"FETCH")
	c.send(t, "ING_SOURCE\"}\n\ndata: {\"stage\":\"READY\"}\n\n")

	snap := waitFor(t, l, "READY_FOR_INSPECTION", inState(types.StateReadyForInspection))
	if snap.Stage == types.StageNone {
		t.Fatalf("current stage must not be null after READY")
	}
	if snap.Metadata != nil {
		t.Fatalf("metadata set before summary was fetched")
	}
	if snap.Err != nil {
		t.Fatalf("err=%v in READY_FOR_INSPECTION", snap.Err)
	}
	if l.CanQuery() {
		t.Fatalf("queries must be gated until inspection is acknowledged")
	}

	meta := &types.DatasetMetadata{Name: "A", Sheets: []types.SheetMetadata{{Name: "s", Tables: []types.TableMetadata{{Name: "t", RowCount: 3}}}}}
	if err := l.SetMetadata(meta); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	meta.Name = "mutated"
	if got := l.Snapshot().Metadata; got == nil || got.Name != "A" {
		t.Fatalf("metadata=%+v", got)
	}
}

func TestLifecycle_ProgressUpdatesStageAndMessage(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	_ = l.Connect(context.Background(), "u")
	c := tr.conn(t, 0)

	c.send(t, "data: {\"stage\":\"NORMALIZING_DATA\",\"message\":\"3 of 9 sheets\"}\n\n")
	first := waitFor(t, l, "NORMALIZING_DATA", func(s Snapshot) bool { return s.Stage == types.StageNormalizingData })
	if first.State != types.StateLoading || first.Message != "3 of 9 sheets" {
		t.Fatalf("snapshot=%+v", first)
	}

	c.send(t, "data: {\"stage\":\"BUILDING_INDEX\"}\n\n")
	second := waitFor(t, l, "BUILDING_INDEX", func(s Snapshot) bool { return s.Stage == types.StageBuildingIndex })
	if second.StageAt.Before(first.StageAt) {
		t.Fatalf("stage timestamp went backwards")
	}
	if second.Version <= first.Version {
		t.Fatalf("version did not increase")
	}
}

func TestLifecycle_ErrorRecordThenRetry(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	_ = l.Connect(context.Background(), "sheet-B")
	tr.conn(t, 0).send(t, "data: {\"stage\":\"ERROR\",\"error\":\"Sheet is not shared publicly\"}\n\n")

	snap := waitFor(t, l, "ERROR", inState(types.StateError))
	if snap.ErrorMessage() != "Sheet is not shared publicly" {
		t.Fatalf("error=%q", snap.ErrorMessage())
	}
	if snap.Stage == types.StageNone {
		t.Fatalf("current stage must be set in ERROR")
	}
	if !snap.Err.IsRetryable() {
		t.Fatalf("protocol errors are retryable")
	}

	if err := l.Acknowledge(); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("Acknowledge() in ERROR err=%v", err)
	}

	if err := l.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if tr.opened() != 2 {
		t.Fatalf("retry must open a fresh stream, opened=%d", tr.opened())
	}
	snap = l.Snapshot()
	if snap.State != types.StateLoading || snap.Stage != types.StageValidatingURL || snap.Err != nil {
		t.Fatalf("after retry snapshot=%+v", snap)
	}
	if tr.conn(t, 1).locator != "sheet-B" {
		t.Fatalf("retry locator=%q", tr.conn(t, 1).locator)
	}

	tr.conn(t, 1).send(t, "data: {\"stage\":\"READY\"}\n\n")
	waitFor(t, l, "READY_FOR_INSPECTION", inState(types.StateReadyForInspection))
}

func TestLifecycle_TransportDropIsGenericError(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	_ = l.Connect(context.Background(), "u")
	c := tr.conn(t, 0)
	c.send(t, "data: {\"stage\":\"FETCHING_SOURCE\"}\n\n")
	_ = c.w.CloseWithError(errors.New("connection reset by peer"))

	snap := waitFor(t, l, "ERROR", inState(types.StateError))
	if snap.ErrorMessage() != core.ConnectivityMessage {
		t.Fatalf("error=%q, want generic connectivity message", snap.ErrorMessage())
	}
	if snap.Err.Type != core.ErrTransport {
		t.Fatalf("type=%s", snap.Err.Type)
	}
}

func TestLifecycle_OpenFailures(t *testing.T) {
	t.Parallel()

	structured := &fakeTransport{err: core.NewInvalidRequestError("unsupported source url")}
	l := New(structured)
	if err := l.Connect(context.Background(), "ftp://x"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if snap := l.Snapshot(); snap.State != types.StateError || snap.ErrorMessage() != "unsupported source url" {
		t.Fatalf("snapshot=%+v", snap)
	}

	plain := &fakeTransport{err: errors.New("dial tcp: connection refused")}
	l = New(plain)
	_ = l.Connect(context.Background(), "u")
	if snap := l.Snapshot(); snap.State != types.StateError || snap.ErrorMessage() != core.ConnectivityMessage {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestLifecycle_ReconnectReplacesOutstandingStream(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	_ = l.Connect(context.Background(), "first")
	old := tr.conn(t, 0)
	old.send(t, "data: {\"stage\":\"FETCHING_SOURCE\"}\n\n")
	waitFor(t, l, "FETCHING_SOURCE", func(s Snapshot) bool { return s.Stage == types.StageFetchingSource })

	if err := l.Connect(context.Background(), "second"); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if tr.opened() != 2 {
		t.Fatalf("opened=%d, want 2", tr.opened())
	}

	// The old transport was closed, so nothing more can be delivered from it.
	if _, err := io.WriteString(old.w, "data: {\"stage\":\"READY\"}\n\n"); err == nil {
		t.Fatalf("old stream still accepts bytes after replacement")
	}
	time.Sleep(20 * time.Millisecond)
	snap := l.Snapshot()
	if snap.State != types.StateLoading || snap.Locator != "second" || snap.Stage != types.StageValidatingURL {
		t.Fatalf("snapshot=%+v", snap)
	}

	tr.conn(t, 1).send(t, "data: {\"stage\":\"READY\"}\n\n")
	waitFor(t, l, "READY_FOR_INSPECTION", inState(types.StateReadyForInspection))
}

func TestLifecycle_NoRecordsAfterReady(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	_ = l.Connect(context.Background(), "u")
	c := tr.conn(t, 0)
	go func() {
		_, _ = io.WriteString(c.w, "data: {\"stage\":\"READY\"}\n\ndata: {\"stage\":\"ERROR\",\"error\":\"late\"}\n\n")
	}()

	snap := waitFor(t, l, "READY_FOR_INSPECTION", inState(types.StateReadyForInspection))
	time.Sleep(20 * time.Millisecond)
	if after := l.Snapshot(); after.Version != snap.Version || after.State != types.StateReadyForInspection {
		t.Fatalf("state changed after READY: %+v", after)
	}
}

func TestLifecycle_AcknowledgeSkipAndReset(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	tr := &fakeTransport{}
	l := New(tr, WithMetrics(m))

	if err := l.Skip(); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("Skip() in NO_DATASET err=%v", err)
	}
	if err := l.Retry(context.Background()); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("Retry() in NO_DATASET err=%v", err)
	}
	if err := l.SetMetadata(&types.DatasetMetadata{}); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("SetMetadata() in NO_DATASET err=%v", err)
	}

	_ = l.Connect(context.Background(), "sheet-A")
	tr.conn(t, 0).send(t, "data: {\"stage\":\"READY\"}\n\n")
	waitFor(t, l, "READY_FOR_INSPECTION", inState(types.StateReadyForInspection))

	if err := l.Connect(context.Background(), "other"); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("Connect() in READY_FOR_INSPECTION err=%v", err)
	}
	if err := l.Skip(); err != nil {
		t.Fatalf("Skip() error = %v", err)
	}
	snap := l.Snapshot()
	if snap.State != types.StateLockedForQuery || snap.Stage != types.StageNone {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !l.CanQuery() || !l.VoiceEnabled() {
		t.Fatalf("queries and voice must be enabled in LOCKED_FOR_QUERY")
	}
	if err := l.Acknowledge(); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("second Acknowledge() err=%v", err)
	}

	if err := l.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	snap = l.Snapshot()
	if snap.State != types.StateNoDataset || snap.Metadata != nil || snap.Locator != "sheet-A" {
		t.Fatalf("after reset snapshot=%+v", snap)
	}
	if l.CanQuery() {
		t.Fatalf("queries must be disabled after reset")
	}
	if got := testutil.ToFloat64(m.LifecycleTransitions.WithLabelValues("READY_FOR_INSPECTION", "LOCKED_FOR_QUERY")); got != 1 {
		t.Fatalf("lock transitions=%v, want 1", got)
	}
}

func TestLifecycle_DiscardCancelsStream(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)
	_ = l.Connect(context.Background(), "u")
	c := tr.conn(t, 0)

	l.Discard()
	l.Discard()

	if _, err := io.WriteString(c.w, "data: {\"stage\":\"READY\"}\n\n"); err == nil {
		t.Fatalf("stream still open after discard")
	}
	if err := l.Connect(context.Background(), "u"); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("Connect() after discard err=%v", err)
	}
	if err := l.Reset(); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("Reset() after discard err=%v", err)
	}
	if !l.Snapshot().Discarded {
		t.Fatalf("snapshot not marked discarded")
	}
}

func TestLifecycle_StallTimeoutResolvesToError(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	tr := &fakeTransport{}
	l := New(tr, WithStallTimeout(30*time.Millisecond), WithMetrics(m))
	_ = l.Connect(context.Background(), "u")

	snap := waitFor(t, l, "ERROR", inState(types.StateError))
	if snap.Err.Type != core.ErrTimeout {
		t.Fatalf("err=%v, want timeout", snap.Err)
	}
	if got := testutil.ToFloat64(m.StreamOutcomes.WithLabelValues(metrics.OutcomeStalled)); got != 1 {
		t.Fatalf("stalled outcomes=%v, want 1", got)
	}
	if _, err := io.WriteString(tr.conn(t, 0).w, "data: {\"stage\":\"READY\"}\n\n"); err == nil {
		t.Fatalf("stalled stream still open")
	}
}

func TestLifecycle_SubscribersSeeVersionOrder(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	l := New(tr)

	var mu sync.Mutex
	var seen []Snapshot
	done := make(chan struct{})
	unsubscribe := l.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
		if s.State == types.StateReadyForInspection {
			close(done)
		}
	})
	defer unsubscribe()

	_ = l.Connect(context.Background(), "u")
	tr.conn(t, 0).send(t, "data: {\"stage\":\"VALIDATING_URL\"}\n\ndata: {\"stage\":\"LOADING_STORE\"}\n\ndata: {\"stage\":\"READY\"}\n\n")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("observer never saw READY_FOR_INSPECTION")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("observed %d snapshots, want 4", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Version <= seen[i-1].Version {
			t.Fatalf("versions out of order: %d then %d", seen[i-1].Version, seen[i].Version)
		}
	}
	if seen[0].State != types.StateLoading || seen[2].Stage != types.StageLoadingStore {
		t.Fatalf("observed=%+v", seen)
	}
}
