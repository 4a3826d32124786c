// Package message defines the session-level message and the two body encodings
// the protocol supports.
//
// Every message carries a small set of reserved fields the session layer consumes
// before the application sees the rest: the message type, the server-assigned
// session id and, in reliable mode, a sequence and acknowledgement number. Under
// the JSON encoding they are the object keys _msgtype, _sid, _seq and _ack; under
// the protobuf encoding they are fields 1-4 of the envelope with the application
// body in field 5.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Reserved message types.
const (
	TypeBootstrap       = ""
	TypeSessionOpened   = "_session_opened"
	TypeSessionClosed   = "_session_closed"
	TypeRedirect        = "_sc_redirect"
	TypeRedirectConnect = "_cs_redirect_connect"
	TypeServerPing      = "_ping_s"
	TypeClientPing      = "_ping_c"
)

// Reserved JSON keys.
const (
	FieldType = "_msgtype"
	FieldSID  = "_sid"
	FieldSeq  = "_seq"
	FieldAck  = "_ack"
)

// Encoding selects how message bodies are serialized.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingProtobuf
)

var (
	// ErrUnknownEncoding indicates an encoding name or value that is not supported.
	ErrUnknownEncoding = errors.New("unknown encoding")
	// ErrInvalidPayload indicates a payload that cannot be carried by the encoding.
	ErrInvalidPayload = errors.New("invalid payload")
)

// String returns the configuration name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ParseEncoding converts a configuration name into an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return EncodingJSON, nil
	case "protobuf", "pb":
		return EncodingProtobuf, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
	}
}

// Message is one decoded session message. Payload holds the application part of
// the body: a JSON object without the reserved keys, or opaque protobuf bytes.
type Message struct {
	Type    string
	SID     string
	Seq     uint32
	HasSeq  bool
	Ack     uint32
	HasAck  bool
	Payload []byte
}

// IsControlOnly reports whether the message carries nothing for the application:
// an ack-only message or an empty bootstrap probe.
func (m *Message) IsControlOnly() bool {
	return m.Type == TypeBootstrap && len(m.Payload) == 0
}

// Clone returns a deep copy; resend queues keep clones so later stamping of
// a retransmission never aliases the original.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// Codec serializes messages for one encoding. Implementations are stateless and
// safe for concurrent use.
type Codec interface {
	Encoding() Encoding
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
}

// NewCodec returns the codec for enc.
func NewCodec(enc Encoding) (Codec, error) {
	switch enc {
	case EncodingJSON:
		return JSONCodec{}, nil
	case EncodingProtobuf:
		return ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, enc)
	}
}

// EncodePayload converts an application value into payload bytes for enc.
// []byte and json.RawMessage are passed through, proto.Message values are
// marshalled with proto.Marshal and anything else is marshalled as JSON.
func EncodePayload(enc Encoding, v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	case proto.Message:
		if enc != EncodingProtobuf {
			return nil, fmt.Errorf("%w: protobuf message on %s transport", ErrInvalidPayload, enc)
		}
		return proto.Marshal(p)
	default:
		if enc != EncodingJSON {
			return nil, fmt.Errorf("%w: %T on %s transport", ErrInvalidPayload, v, enc)
		}
		return json.Marshal(p)
	}
}
