package frame

import (
	"bytes"
	"fmt"

	"github.com/opd-ai/sessionnet/limits"
)

var headerTerminator = []byte("\n\n")

// Decoder reassembles frames from a byte stream that may split or merge them
// arbitrarily. It is not safe for concurrent use; transports guard it with their
// receive lock.
//
// The buffer holds buf[:received]; buf[:decoded] has already been turned into
// frames and is discarded the next time space is needed.
type Decoder struct {
	buf      []byte
	received int
	decoded  int
	pending  *Header // header parsed, body not yet complete
	version  int
}

// NewDecoder creates a decoder with an initial buffer of size bytes
// (limits.DefaultReceiveBufferSize when size <= 0).
func NewDecoder(size int) *Decoder {
	if size <= 0 {
		size = limits.DefaultReceiveBufferSize
	}
	return &Decoder{
		buf:     make([]byte, size),
		version: ProtocolVersion,
	}
}

// Reset discards all buffered input and any partially decoded frame.
func (d *Decoder) Reset() {
	d.received = 0
	d.decoded = 0
	d.pending = nil
}

// Buffered returns the number of received bytes not yet decoded.
func (d *Decoder) Buffered() int {
	return d.received - d.decoded
}

// Cap returns the current buffer capacity.
func (d *Decoder) Cap() int {
	return len(d.buf)
}

// Space returns a writable slice of at least min bytes at the end of the buffer.
// Already decoded leading bytes are discarded first; the buffer only grows when
// compaction does not free enough room. Call Commit with the number of bytes
// actually written.
func (d *Decoder) Space(min int) []byte {
	if min <= 0 {
		min = 1
	}
	if len(d.buf)-d.received < min {
		d.compact()
	}
	if len(d.buf)-d.received < min {
		size := len(d.buf) * 2
		if size < d.received+min {
			size = d.received + min
		}
		grown := make([]byte, size)
		copy(grown, d.buf[:d.received])
		d.buf = grown
	}
	return d.buf[d.received:]
}

// Commit records n bytes written into the slice returned by Space.
func (d *Decoder) Commit(n int) {
	if n < 0 || d.received+n > len(d.buf) {
		panic(fmt.Sprintf("frame: commit of %d bytes overflows buffer", n))
	}
	d.received += n
}

// Feed copies p into the buffer.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	n := copy(d.Space(len(p)), p)
	d.Commit(n)
}

func (d *Decoder) compact() {
	if d.decoded == 0 {
		return
	}
	copy(d.buf, d.buf[d.decoded:d.received])
	d.received -= d.decoded
	d.decoded = 0
}

// Next decodes the next complete frame. It returns (nil, nil) when more input is
// needed; buffered bytes are kept for the next call.
//
// ErrVersionMismatch is returned after the offending frame has been consumed, so
// the caller may log it and keep calling Next. ErrMalformedHeader means the stream
// can no longer be framed.
func (d *Decoder) Next() (*Frame, error) {
	if d.pending == nil {
		data := d.buf[d.decoded:d.received]
		idx := bytes.Index(data, headerTerminator)
		if idx < 0 {
			if len(data) > limits.MaxHeaderSize {
				return nil, fmt.Errorf("%w: no terminator within %d bytes", ErrMalformedHeader, limits.MaxHeaderSize)
			}
			return nil, nil
		}
		if idx+len(headerTerminator) > limits.MaxHeaderSize {
			return nil, fmt.Errorf("%w: header of %d bytes exceeds limit", ErrMalformedHeader, idx+len(headerTerminator))
		}
		h, err := parseHeader(data[:idx+1])
		if err != nil {
			return nil, err
		}
		d.decoded += idx + len(headerTerminator)
		d.pending = &h
	}

	if d.received-d.decoded < d.pending.Length {
		return nil, nil
	}

	h := *d.pending
	body := make([]byte, h.Length)
	copy(body, d.buf[d.decoded:d.decoded+h.Length])
	d.decoded += h.Length
	d.pending = nil
	if d.decoded == d.received {
		d.decoded = 0
		d.received = 0
	}

	if h.Version != d.version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, d.version)
	}
	return &Frame{Header: h, Body: body}, nil
}

// DecodeOne decodes a message-bounded unit (one datagram or one HTTP response
// body) which must contain exactly one frame.
func DecodeOne(unit []byte) (*Frame, error) {
	d := &Decoder{buf: unit, received: len(unit), version: ProtocolVersion}
	f, err := d.Next()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrIncomplete
	}
	if d.Buffered() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, d.Buffered())
	}
	return f, nil
}
