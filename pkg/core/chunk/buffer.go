package chunk

import (
	"bytes"
	"errors"
	"sync"
)

// ErrBufferFull is returned when a write would exceed the buffer limit.
var ErrBufferFull = errors.New("chunk buffer limit reached")

// Buffer accumulates chunks from one goroutine while another drains them.
type Buffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
	total int64
}

// NewBuffer creates a buffer. A limit <= 0 means unbounded.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Write appends p. It implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.buf.Len()+len(p) > b.limit {
		return 0, ErrBufferFull
	}
	n, err := b.buf.Write(p)
	b.total += int64(n)
	return n, err
}

// Len returns the number of undrained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Total returns the number of bytes ever written.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Drain returns all undrained bytes and empties the buffer.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	b.buf.Reset()
	return out
}
