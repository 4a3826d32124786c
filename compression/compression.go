// Package compression provides the body compressors a transport may negotiate.
//
// Compressed frames carry a CMP header of the form "<name>-<original length>" so
// the receiver can pick the codec and size its output buffer before inflating.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/opd-ai/sessionnet/limits"
)

// Codec names as they appear in the CMP header and in configuration.
const (
	NameNone    = ""
	NameZstd    = "zstd"
	NameDeflate = "deflate"
)

var (
	// ErrUnknownCodec indicates a codec name this package does not implement.
	ErrUnknownCodec = errors.New("unknown compression codec")
	// ErrInvalidField indicates a CMP header value that cannot be parsed.
	ErrInvalidField = errors.New("invalid compression field")
	// ErrSizeMismatch indicates inflated output that disagrees with the header.
	ErrSizeMismatch = errors.New("decompressed size mismatch")
)

// Compressor compresses and restores frame bodies. Implementations must be safe
// for concurrent use.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, originalLen int) ([]byte, error)
}

// New returns the compressor registered under name.
func New(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameZstd:
		return newZstd()
	case NameDeflate:
		return &deflateCompressor{level: flate.DefaultCompression}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Field formats the CMP header value for a body of originalLen bytes.
func Field(c Compressor, originalLen int) string {
	return c.Name() + "-" + strconv.Itoa(originalLen)
}

// ParseField splits a CMP header value into codec name and original length.
func ParseField(v string) (string, int, error) {
	idx := strings.LastIndexByte(v, '-')
	if idx <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidField, v)
	}
	n, err := strconv.Atoi(v[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidField, v)
	}
	if err := limits.ValidateBodySize(n); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	return v[:idx], n, nil
}

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var (
	zstdOnce   sync.Once
	zstdShared *zstdCompressor
	zstdErr    error
)

// newZstd shares one encoder/decoder pair; EncodeAll and DecodeAll are
// safe for concurrent use.
func newZstd() (Compressor, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdErr = err
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limits.MaxBodySize)))
		if err != nil {
			zstdErr = err
			return
		}
		zstdShared = &zstdCompressor{encoder: enc, decoder: dec}
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdShared, nil
}

func (z *zstdCompressor) Name() string { return NameZstd }

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.encoder.EncodeAll(src, make([]byte, 0, len(src)/2+16)), nil
}

func (z *zstdCompressor) Decompress(src []byte, originalLen int) ([]byte, error) {
	out, err := z.decoder.DecodeAll(src, make([]byte, 0, originalLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if len(out) != originalLen {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(out), originalLen)
	}
	return out, nil
}

type deflateCompressor struct {
	level int
}

func (d *deflateCompressor) Name() string { return NameDeflate }

func (d *deflateCompressor) Compress(src []byte) ([]byte, error) {
	var b bytes.Buffer
	w, err := flate.NewWriter(&b, d.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (d *deflateCompressor) Decompress(src []byte, originalLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	out := make([]byte, originalLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deflate decode: %w", err)
	}
	// anything left means the header lied about the size
	var probe [1]byte
	if n, _ := r.Read(probe[:]); n != 0 {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, originalLen)
	}
	return out, nil
}
