package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol is the physical connection kind of a transport.
type Protocol uint8

const (
	ProtocolDefault Protocol = iota
	TCP
	UDP
	HTTP
	WebSocket
)

// Protocols lists every concrete protocol in a stable order.
var Protocols = []Protocol{TCP, UDP, HTTP, WebSocket}

// String returns the configuration name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolDefault:
		return "default"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case HTTP:
		return "http"
	case WebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ErrUnknownProtocol indicates a protocol name or value that is not supported.
var ErrUnknownProtocol = errors.New("unknown protocol")

// ParseProtocol converts a configuration name into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	case "http", "https":
		return HTTP, nil
	case "websocket", "ws", "wss":
		return WebSocket, nil
	default:
		return ProtocolDefault, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}

// LinkKind describes how a link frames traffic.
type LinkKind uint8

const (
	// KindStream links carry an ordered byte stream that may split or merge
	// frames. They handshake after connecting and flush a whole batch per write.
	KindStream LinkKind = iota
	// KindDatagram links carry exactly one frame per physical unit.
	KindDatagram
	// KindRequest links answer every written frame with one response unit.
	KindRequest
)

// String returns the name of the link kind.
func (k LinkKind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	case KindRequest:
		return "request"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindOf returns the link kind used by protocol p.
func KindOf(p Protocol) LinkKind {
	switch p {
	case UDP:
		return KindDatagram
	case HTTP:
		return KindRequest
	default:
		return KindStream
	}
}

// State is the connection state of a transport.
type State uint8

const (
	StateUnknown State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateWaitForSessionID
	StateWaitForAck
	StateEstablished
)

// String returns a readable name for the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateWaitForSessionID:
		return "wait_for_session_id"
	case StateWaitForAck:
		return "wait_for_ack"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrorKind classifies transport failures.
type ErrorKind uint8

const (
	ErrorNone ErrorKind = iota
	ErrorConnect
	ErrorEncryption
	ErrorDecode
	ErrorInvalidSequence
	ErrorSend
	ErrorReceive
	ErrorRequestTimeout
	ErrorConnectTimeout
	ErrorRedirect
)

// String returns a readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorConnect:
		return "connect"
	case ErrorEncryption:
		return "encryption"
	case ErrorDecode:
		return "decode"
	case ErrorInvalidSequence:
		return "invalid_sequence"
	case ErrorSend:
		return "send"
	case ErrorReceive:
		return "receive"
	case ErrorRequestTimeout:
		return "request_timeout"
	case ErrorConnectTimeout:
		return "connect_timeout"
	case ErrorRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("error(%d)", uint8(k))
	}
}

// Error is a transport failure as reported to callbacks.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrNotEstablished indicates an application send on a transport that is
	// not in StateEstablished.
	ErrNotEstablished = errors.New("transport not established")
	// ErrAlreadyStarted indicates Start on a transport that is not stopped.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrNoAddress indicates a transport without any address to connect to.
	ErrNoAddress = errors.New("no address configured")
	// ErrUnsupportedCipher indicates a cipher that cannot run on the protocol.
	ErrUnsupportedCipher = errors.New("cipher not supported on this protocol")
	// ErrClosed is returned by links after Close.
	ErrClosed = errors.New("link closed")
)
