// Package chunk holds the incremental read and buffering discipline shared by
// the stage stream and the voice pipeline.
package chunk

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultSize is the read size used when none is configured.
const DefaultSize = 4096

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("chunk reader closed")

// Reader reads an open body in chunks. Every chunk is an owned copy.
// Closing the reader (directly or through its context) closes the body,
// which unblocks a pending Read.
type Reader struct {
	body   io.ReadCloser
	buf    []byte
	closed atomic.Bool
	once   sync.Once
	stop   func() bool
	err    error
}

// NewReader wraps body. When ctx is done the body is closed.
func NewReader(ctx context.Context, body io.ReadCloser, size int) *Reader {
	if size <= 0 {
		size = DefaultSize
	}
	r := &Reader{
		body: body,
		buf:  make([]byte, size),
	}
	if ctx != nil {
		r.stop = context.AfterFunc(ctx, func() { _ = r.Close() })
	}
	return r
}

// Next returns the next chunk. It returns io.EOF at the end of the body and
// ErrClosed once the reader was closed, even if the body reported another error.
func (r *Reader) Next() ([]byte, error) {
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		n, err := r.body.Read(r.buf)
		if n > 0 {
			if r.closed.Load() {
				return nil, ErrClosed
			}
			out := make([]byte, n)
			copy(out, r.buf[:n])
			return out, nil
		}
		if err != nil {
			if r.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
	}
}

// Close closes the body. It is safe to call more than once.
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.closed.Store(true)
		if r.stop != nil {
			r.stop()
		}
		if r.body != nil {
			r.err = r.body.Close()
		}
	})
	return r.err
}

// Closed reports whether Close was called.
func (r *Reader) Closed() bool {
	return r.closed.Load()
}
