package frame

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opd-ai/sessionnet/limits"
)

// Header field names.
const (
	KeyVersion       = "VER"
	KeyPluginVersion = "PVER"
	KeyLength        = "LEN"
	KeyEncryption    = "ENC"
	KeyCompression   = "CMP"
)

// ProtocolVersion is the only wire version this package speaks.
const ProtocolVersion = 1

var (
	// ErrMalformedHeader indicates a header block that cannot be parsed.
	// On a stream the framing is lost and the connection must be dropped.
	ErrMalformedHeader = errors.New("malformed frame header")
	// ErrVersionMismatch indicates a well-formed frame with an unexpected VER.
	// The frame has been skipped and decoding may continue.
	ErrVersionMismatch = errors.New("frame version mismatch")
	// ErrInvalidField indicates a header key or value that cannot be encoded.
	ErrInvalidField = errors.New("invalid header field")
	// ErrIncomplete indicates a message-bounded unit that ended before its frame did.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrTrailingData indicates bytes after the single frame of a message-bounded unit.
	ErrTrailingData = errors.New("trailing data after frame")
)

// Header holds the decoded header fields of one frame.
type Header struct {
	Version       int
	PluginVersion int // 0 when the PVER line is absent
	Length        int
	Encryption    string // raw ENC value, "" when the body is plaintext
	Compression   string // raw CMP value, "" when the body is uncompressed
	Extra         map[string]string
}

// Frame is one decoded header+body unit.
type Frame struct {
	Header Header
	Body   []byte
}

// Encode serializes a header and body into a single frame. The LEN field always
// reflects len(body); a zero Version is written as ProtocolVersion.
func Encode(h Header, body []byte) ([]byte, error) {
	if err := limits.ValidateBodySize(len(body)); err != nil {
		return nil, err
	}
	head, err := EncodeHeader(h, len(body))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, body...)
	return out, nil
}

// EncodeHeader serializes only the header block for a body of bodyLen bytes.
func EncodeHeader(h Header, bodyLen int) ([]byte, error) {
	version := h.Version
	if version == 0 {
		version = ProtocolVersion
	}

	var b bytes.Buffer
	writeField(&b, KeyVersion, strconv.Itoa(version))
	if h.PluginVersion > 0 {
		writeField(&b, KeyPluginVersion, strconv.Itoa(h.PluginVersion))
	}
	writeField(&b, KeyLength, strconv.Itoa(bodyLen))
	if h.Encryption != "" {
		if err := checkValue(h.Encryption); err != nil {
			return nil, err
		}
		writeField(&b, KeyEncryption, h.Encryption)
	}
	if h.Compression != "" {
		if err := checkValue(h.Compression); err != nil {
			return nil, err
		}
		writeField(&b, KeyCompression, h.Compression)
	}

	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || strings.ContainsAny(k, ":\n") || isReserved(k) {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidField, k)
		}
		if err := checkValue(h.Extra[k]); err != nil {
			return nil, err
		}
		writeField(&b, k, h.Extra[k])
	}
	b.WriteByte('\n')

	if b.Len() > limits.MaxHeaderSize {
		return nil, fmt.Errorf("%w: header size %d exceeds limit %d", limits.ErrFrameTooLarge, b.Len(), limits.MaxHeaderSize)
	}
	return b.Bytes(), nil
}

func writeField(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('\n')
}

func checkValue(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("%w: value %q", ErrInvalidField, v)
	}
	return nil
}

func isReserved(key string) bool {
	switch key {
	case KeyVersion, KeyPluginVersion, KeyLength, KeyEncryption, KeyCompression:
		return true
	}
	return false
}

// parseHeader parses the header lines (without the terminating blank line).
func parseHeader(block []byte) (Header, error) {
	var h Header
	var haveVersion, haveLength bool

	for _, line := range strings.Split(string(block), "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return Header{}, fmt.Errorf("%w: line %q", ErrMalformedHeader, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		switch key {
		case KeyVersion:
			v, err := strconv.Atoi(value)
			if err != nil {
				return Header{}, fmt.Errorf("%w: bad %s %q", ErrMalformedHeader, key, value)
			}
			h.Version = v
			haveVersion = true
		case KeyPluginVersion:
			v, err := strconv.Atoi(value)
			if err != nil {
				return Header{}, fmt.Errorf("%w: bad %s %q", ErrMalformedHeader, key, value)
			}
			h.PluginVersion = v
		case KeyLength:
			v, err := strconv.Atoi(value)
			if err != nil {
				return Header{}, fmt.Errorf("%w: bad %s %q", ErrMalformedHeader, key, value)
			}
			if err := limits.ValidateBodySize(v); err != nil {
				return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
			}
			h.Length = v
			haveLength = true
		case KeyEncryption:
			h.Encryption = value
		case KeyCompression:
			h.Compression = value
		default:
			if h.Extra == nil {
				h.Extra = make(map[string]string)
			}
			h.Extra[key] = value
		}
	}

	if !haveVersion {
		return Header{}, fmt.Errorf("%w: missing %s", ErrMalformedHeader, KeyVersion)
	}
	if !haveLength {
		return Header{}, fmt.Errorf("%w: missing %s", ErrMalformedHeader, KeyLength)
	}
	return h, nil
}
