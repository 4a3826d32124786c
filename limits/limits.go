package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxHeaderSize is the largest header block (all KEY:VALUE lines plus the
	// terminating blank line) a decoder will buffer before giving up on a frame.
	MaxHeaderSize = 1024

	// MaxBodySize is the largest body length a LEN field may announce (1MB).
	MaxBodySize = 1024 * 1024

	// MaxDatagramSize is the largest frame (header + body) sent as one UDP datagram.
	// 1472 = 1500 byte Ethernet MTU - 20 byte IPv4 header - 8 byte UDP header.
	MaxDatagramSize = 1472

	// MaxReceiveUnit is the read size used for message-bounded links.
	MaxReceiveUnit = 64 * 1024

	// DefaultReceiveBufferSize is the initial capacity of a stream receive buffer.
	DefaultReceiveBufferSize = 4096
)

var (
	// ErrFrameEmpty indicates an empty frame was provided
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameTooLarge indicates a frame or body exceeds its limit
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidateSize validates a length against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(n, maxSize int) error {
	if n > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, n, maxSize)
	}
	return nil
}

// ValidateBodySize validates an announced or actual body length against MaxBodySize.
// Zero is valid: handshake and control frames may carry no body.
func ValidateBodySize(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative body length %d", ErrFrameTooLarge, n)
	}
	if n > MaxBodySize {
		return fmt.Errorf("%w: body size %d exceeds limit %d", ErrFrameTooLarge, n, MaxBodySize)
	}
	return nil
}

// ValidateDatagram validates a serialized frame against the datagram limit.
// maxSize <= 0 selects MaxDatagramSize.
func ValidateDatagram(frame []byte, maxSize int) error {
	if len(frame) == 0 {
		return ErrFrameEmpty
	}
	if maxSize <= 0 {
		maxSize = MaxDatagramSize
	}
	if len(frame) > maxSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrFrameTooLarge, len(frame), maxSize)
	}
	return nil
}
