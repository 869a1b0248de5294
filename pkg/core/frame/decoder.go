// Package frame splits an incrementally arriving byte stream into
// blank-line delimited frames and extracts the JSON payload of their data lines.
package frame

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

var (
	frameDelimiter = []byte("\n\n")
	dataPrefix     = []byte("data:")
)

// MalformedFunc is called for every data line whose payload is not valid JSON.
type MalformedFunc func(line []byte)

// Decoder turns arriving chunks into complete records. It keeps a single
// growing buffer; whatever follows the last delimiter stays buffered until
// the next Feed. The zero value is usable.
type Decoder struct {
	buf         []byte
	logger      *slog.Logger
	onMalformed MalformedFunc
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used to report skipped lines.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		d.logger = l
	}
}

// WithMalformedHook registers a callback for skipped lines.
func WithMalformedHook(fn MalformedFunc) Option {
	return func(d *Decoder) {
		d.onMalformed = fn
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk and returns the records of every frame it completed, in order.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	if bytes.IndexByte(d.buf, '\r') >= 0 {
		// A trailing "\r" stays put until its "\n" arrives in the next chunk.
		d.buf = bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
	}

	var records []json.RawMessage
	rest := d.buf
	for {
		idx := bytes.Index(rest, frameDelimiter)
		if idx < 0 {
			break
		}
		records = append(records, d.parseFrame(rest[:idx])...)
		rest = rest[idx+len(frameDelimiter):]
	}

	n := copy(d.buf, rest)
	d.buf = d.buf[:n]
	return records
}

// Flush parses whatever is left in the buffer as a final frame and empties it.
// It is used when the transport ends without a trailing delimiter.
func (d *Decoder) Flush() []json.RawMessage {
	if len(bytes.TrimSpace(d.buf)) == 0 {
		d.buf = d.buf[:0]
		return nil
	}
	records := d.parseFrame(d.buf)
	d.buf = d.buf[:0]
	return records
}

// Buffered returns the number of bytes waiting for a delimiter.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) parseFrame(frame []byte) []json.RawMessage {
	var records []json.RawMessage
	for _, line := range bytes.Split(frame, []byte("\n")) {
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := line[len(dataPrefix):]
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
		if !json.Valid(payload) {
			d.malformed(line)
			continue
		}
		records = append(records, append(json.RawMessage(nil), payload...))
	}
	return records
}

func (d *Decoder) malformed(line []byte) {
	if d.logger != nil {
		preview := line
		if len(preview) > 120 {
			preview = preview[:120]
		}
		d.logger.Warn("skipping malformed stage record", "line", string(preview))
	}
	if d.onMalformed != nil {
		d.onMalformed(line)
	}
}
