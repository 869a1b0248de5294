package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

func staticTransport(body string) Transport {
	return TransportFunc(func(ctx context.Context, locator string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

type pipeTransport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeTransport() *pipeTransport {
	r, w := io.Pipe()
	return &pipeTransport{r: r, w: w}
}

func (p *pipeTransport) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	return p.r, nil
}

func collect(t *testing.T, s *Stream) ([]types.StageRecord, error) {
	t.Helper()
	var out []types.StageRecord
	for {
		rec, err := s.Next()
		if rec.Stage != types.StageNone {
			out = append(out, rec)
		}
		if err != nil {
			return out, err
		}
	}
}

func TestStream_DeliversStagesThenEOFAfterReady(t *testing.T) {
	t.Parallel()

	body := "data: {\"stage\":\"VALIDATING_URL\"}\n\n" +
		"data: {\"stage\":\"FETCHING_SOURCE\",\"message\":\"downloading\"}\n\n" +
		"data: {\"stage\":\"READY\"}\n\n"
	s, err := Open(context.Background(), staticTransport(body), "https://example.com/sheet", Options{ChunkSize: 7})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	recs, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want io.EOF", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records=%d, want 3", len(recs))
	}
	if recs[1].Message != "downloading" {
		t.Fatalf("message=%q", recs[1].Message)
	}
	if recs[2].Stage != types.StageReady {
		t.Fatalf("last stage=%q, want READY", recs[2].Stage)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done() not closed after READY")
	}
	if s.Err() != nil {
		t.Fatalf("Err()=%v, want nil", s.Err())
	}
}

func TestStream_RecordsAfterTerminalAreDropped(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	body := "data: {\"stage\":\"READY\"}\n\n" +
		"data: {\"stage\":\"FETCHING_SOURCE\"}\n\n" +
		"data: {\"stage\":\"ERROR\",\"error\":\"late\"}\n\n"
	s, err := Open(context.Background(), staticTransport(body), "u", Options{Metrics: m})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	recs, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want io.EOF", err)
	}
	if len(recs) != 1 || recs[0].Stage != types.StageReady {
		t.Fatalf("records=%+v, want only READY", recs)
	}
	if got := testutil.ToFloat64(m.RecordsAfterTerminal); got != 2 {
		t.Fatalf("dropped=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StreamOutcomes.WithLabelValues(metrics.OutcomeReady)); got != 1 {
		t.Fatalf("ready outcomes=%v, want 1", got)
	}
}

func TestStream_ErrorRecordSurfacesVerbatim(t *testing.T) {
	t.Parallel()

	body := "data: {\"stage\":\"FETCHING_SOURCE\"}\n\n" +
		"data: {\"stage\":\"ERROR\",\"error\":{\"message\":\"sheet is private\",\"code\":\"forbidden\"}}\n\n"
	s, err := Open(context.Background(), staticTransport(body), "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := s.Next(); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	rec, err := s.Next()
	if rec.Stage != types.StageError {
		t.Fatalf("stage=%q, want ERROR", rec.Stage)
	}
	var cerr *core.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err=%T %v, want *core.Error", err, err)
	}
	if cerr.Type != core.ErrProtocol || cerr.Message != "sheet is private" || cerr.Code != "forbidden" {
		t.Fatalf("error=%+v", cerr)
	}
	if _, again := s.Next(); !errors.Is(again, err) && again != err {
		t.Fatalf("second terminal err=%v, want %v", again, err)
	}
}

func TestStream_ErrorRecordWithNumericErrorIsStillTerminal(t *testing.T) {
	t.Parallel()

	body := "data: {\"stage\":\"ERROR\",\"message\":\"quota exceeded\",\"error\":500}\n\n"
	s, err := Open(context.Background(), staticTransport(body), "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rec, err := s.Next()
	if rec.Stage != types.StageError {
		t.Fatalf("stage=%q, want ERROR", rec.Stage)
	}
	if !core.IsType(err, core.ErrProtocol) {
		t.Fatalf("err=%v, want protocol error", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err=%q, want the record message", err.Error())
	}
}

func TestStream_MalformedAndUnknownStagesAreSkipped(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	body := "data: {not json\n\n" +
		"data: {\"stage\":\"TELEPORTING\"}\n\n" +
		"data: {\"stage\":\"DETECTING_TABLES\"}\n\n" +
		"data: {\"stage\":\"READY\"}\n\n"
	s, err := Open(context.Background(), staticTransport(body), "u", Options{Metrics: m})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	recs, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want io.EOF", err)
	}
	if len(recs) != 2 || recs[0].Stage != types.StageDetectingTables {
		t.Fatalf("records=%+v", recs)
	}
	if got := testutil.ToFloat64(m.MalformedRecords); got != 2 {
		t.Fatalf("malformed=%v, want 2", got)
	}
}

func TestStream_EOFWithoutTerminalIsTransportError(t *testing.T) {
	t.Parallel()

	body := "data: {\"stage\":\"VALIDATING_URL\"}\n\n"
	s, err := Open(context.Background(), staticTransport(body), "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	recs, err := collect(t, s)
	if len(recs) != 1 {
		t.Fatalf("records=%d, want 1", len(recs))
	}
	if !core.IsType(err, core.ErrTransport) {
		t.Fatalf("err=%v, want transport_error", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err=%v does not wrap io.ErrUnexpectedEOF", err)
	}
}

func TestStream_UnterminatedFinalFrameIsFlushed(t *testing.T) {
	t.Parallel()

	body := "data: {\"stage\":\"LOADING_STORE\"}\n\ndata: {\"stage\":\"READY\"}"
	s, err := Open(context.Background(), staticTransport(body), "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	recs, err := collect(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want io.EOF", err)
	}
	if len(recs) != 2 || recs[1].Stage != types.StageReady {
		t.Fatalf("records=%+v", recs)
	}
}

func TestStream_CancelDropsBufferedRecords(t *testing.T) {
	t.Parallel()

	pt := newPipeTransport()
	s, err := Open(context.Background(), pt, "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	go func() {
		_, _ = pt.w.Write([]byte("data: {\"stage\":\"VALIDATING_URL\"}\n\ndata: {\"stage\":\"FETCHING_SOURCE\"}\n\ndata: {\"stage\":\"READY\"}\n\n"))
	}()
	rec, err := s.Next()
	if err != nil || rec.Stage != types.StageValidatingURL {
		t.Fatalf("Next()=(%+v, %v)", rec, err)
	}

	s.Cancel()
	for i := 0; i < 3; i++ {
		rec, err := s.Next()
		if !errors.Is(err, ErrCanceled) || rec.Stage != types.StageNone {
			t.Fatalf("Next() after cancel=(%+v, %v), want ErrCanceled", rec, err)
		}
	}
}

func TestStream_ConcurrentCancelNeverDeliversLate(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		r := io.NopCloser(strings.NewReader(strings.Repeat("data: {\"stage\":\"FETCHING_SOURCE\"}\n\n", 200)))
		s, err := Open(context.Background(), TransportFunc(func(context.Context, string) (io.ReadCloser, error) {
			return r, nil
		}), "u", Options{ChunkSize: 1 << 16})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}

		var canceled atomic.Bool
		late := make(chan int, 1)
		go func() {
			n := 0
			for {
				wasCanceled := canceled.Load()
				_, err := s.Next()
				if err != nil {
					late <- n
					return
				}
				if wasCanceled {
					n++
				}
			}
		}()
		s.Cancel()
		canceled.Store(true)
		if n := <-late; n != 0 {
			t.Fatalf("iteration %d: %d records delivered by calls started after Cancel returned", i, n)
		}
	}
}

func TestStream_CancelUnblocksAndStopsDelivery(t *testing.T) {
	t.Parallel()

	pt := newPipeTransport()
	s, err := Open(context.Background(), pt, "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	go func() {
		_, _ = pt.w.Write([]byte("data: {\"stage\":\"VALIDATING_URL\"}\n\n"))
	}()
	rec, err := s.Next()
	if err != nil || rec.Stage != types.StageValidatingURL {
		t.Fatalf("Next()=(%+v, %v)", rec, err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errCh <- err
	}()

	s.Cancel()
	s.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("err=%v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not return after Cancel")
	}
	if _, err := s.Next(); !errors.Is(err, ErrCanceled) {
		t.Fatalf("Next after cancel err=%v", err)
	}
	if !errors.Is(s.Err(), ErrCanceled) {
		t.Fatalf("Err()=%v, want ErrCanceled", s.Err())
	}
}

func TestStream_ParentContextCancelStopsStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	pt := newPipeTransport()
	s, err := Open(ctx, pt, "u", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("err=%v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not return after context cancel")
	}
}

func TestOpen_TransportErrorIsReturned(t *testing.T) {
	t.Parallel()

	want := core.NewInvalidRequestError("invalid url")
	tr := TransportFunc(func(ctx context.Context, locator string) (io.ReadCloser, error) {
		return nil, want
	})
	if _, err := Open(context.Background(), tr, "not a url", Options{}); !errors.Is(err, want) {
		t.Fatalf("err=%v, want %v", err, want)
	}
	if _, err := Open(context.Background(), nil, "u", Options{}); err == nil {
		t.Fatalf("expected error for nil transport")
	}
}
