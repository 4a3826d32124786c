package crypto

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Type identifies a cipher on the wire.
type Type int

const (
	TypeNone     Type = 0
	TypeDummy    Type = 1
	TypeTable    Type = 2
	TypeChaCha20 Type = 4
)

// State is the negotiation state of one Encryptor.
type State uint8

const (
	StateUnknown State = iota
	StateHandshaking
	StateEstablished
)

var (
	// ErrUnknownType indicates a cipher type without an implementation.
	ErrUnknownType = errors.New("unknown encryption type")
	// ErrNotEstablished indicates use of a cipher before its handshake completed.
	ErrNotEstablished = errors.New("encryption not established")
	// ErrInvalidHeader indicates a malformed ENC field or cipher header.
	ErrInvalidHeader = errors.New("invalid encryption header")
	// ErrMissingServerKey indicates a key-exchange cipher without a server public key.
	ErrMissingServerKey = errors.New("server public key required")
)

// Encryptor is the per-connection state of one cipher.
type Encryptor interface {
	// Type returns the wire identifier.
	Type() Type
	// State returns the negotiation state.
	State() State
	// Reset discards all key material and restarts negotiation; transports call it
	// before every connection attempt.
	Reset() error
	// Handshake consumes the server's handshake header. A non-empty out must be
	// sent back to the server as a key-exchange frame.
	Handshake(in string) (out string, err error)
	// PublicKey returns the key-exchange header the client announces after
	// connecting, or "" when the cipher has none.
	PublicKey() (string, error)
	// Encrypt returns the ciphertext and the per-message cipher header.
	Encrypt(body []byte) ([]byte, string, error)
	// Decrypt reverses Encrypt for a frame received from the server.
	Decrypt(body []byte, header string) ([]byte, error)
}

// Options configures cipher construction.
type Options struct {
	// ServerPublicKey is the hex encoded X25519 static key of the server.
	ServerPublicKey string
	// Rand is the entropy source for ephemeral keys; nil uses crypto/rand.
	Rand io.Reader
}

// New creates and resets an Encryptor of type t.
func New(t Type, opts Options) (Encryptor, error) {
	var e Encryptor
	switch t {
	case TypeDummy:
		e = &dummyEncryptor{}
	case TypeTable:
		e = &tableEncryptor{}
	case TypeChaCha20:
		e = &chacha20Encryptor{serverKeyHex: opts.ServerPublicKey, rand: opts.Rand}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if err := e.Reset(); err != nil {
		return nil, err
	}
	return e, nil
}

// String returns the configuration name of the cipher type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeDummy:
		return "dummy"
	case TypeTable:
		return "table"
	case TypeChaCha20:
		return "chacha20"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType converts a configuration name or decimal id into a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "dummy":
		return TypeDummy, nil
	case "table":
		return TypeTable, nil
	case "chacha20":
		return TypeChaCha20, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return TypeNone, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	switch Type(n) {
	case TypeNone, TypeDummy, TypeTable, TypeChaCha20:
		return Type(n), nil
	}
	return TypeNone, fmt.Errorf("%w: %d", ErrUnknownType, n)
}

// RequiresServerHandshake reports whether the cipher type waits for a server
// handshake frame, which only stream-like transports receive.
func RequiresServerHandshake(t Type) bool {
	return t == TypeDummy || t == TypeTable
}

// Field formats the ENC header value.
func Field(t Type, header string) string {
	return strconv.Itoa(int(t)) + "-" + header
}

// ParseField splits an ENC header value into cipher type and cipher header.
func ParseField(v string) (Type, string, error) {
	idx := strings.IndexByte(v, '-')
	if idx <= 0 {
		return TypeNone, "", fmt.Errorf("%w: %q", ErrInvalidHeader, v)
	}
	n, err := strconv.Atoi(v[:idx])
	if err != nil {
		return TypeNone, "", fmt.Errorf("%w: %q", ErrInvalidHeader, v)
	}
	return Type(n), v[idx+1:], nil
}
