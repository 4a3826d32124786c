package transport

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/compression"
	"github.com/opd-ai/sessionnet/crypto"
)

const (
	// DefaultConnectTimeout bounds the time from Start until Connected.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReconnectDelay is the first backoff delay; it doubles per attempt.
	DefaultReconnectDelay = time.Second
	// MaxReconnectAttempts is the number of connect attempts per address.
	MaxReconnectAttempts = 3
	// DefaultRequestTimeout bounds one HTTP request/response exchange.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultCompressionThreshold is the smallest body that gets compressed.
	DefaultCompressionThreshold = 128
)

// Options configures a Transport.
type Options struct {
	// Addresses is the ordered fallback list of server endpoints.
	Addresses []Address
	// AutoReconnect retries failed connections with backoff and reconnects
	// established connections that drop.
	AutoReconnect bool
	// ConnectTimeout bounds Start until Connected; zero disables it.
	ConnectTimeout time.Duration
	// ReconnectDelay is the first backoff delay.
	ReconnectDelay time.Duration
	// PingInterval enables client keep-alive pings on stream protocols.
	PingInterval time.Duration
	// PingTimeout is how long a stream may stay silent before it is dropped.
	PingTimeout time.Duration

	// Encryptions lists the ciphers negotiated on this transport. The first
	// entry encrypts outgoing messages.
	Encryptions []crypto.Type
	// ServerPublicKey is the hex X25519 key used by key-exchange ciphers.
	ServerPublicKey string

	// Compression names the body compressor ("" disables compression).
	Compression string
	// CompressionThreshold is the smallest body size that gets compressed.
	CompressionThreshold int

	// SequenceValidation enables the reliability protocol on stream protocols.
	SequenceValidation bool

	// UseTLS selects tls, https or wss.
	UseTLS bool
	// Path is the URL path for HTTP and WebSocket links.
	Path string
	// RequestTimeout bounds one HTTP exchange.
	RequestTimeout time.Duration
	// NoDelay disables Nagle's algorithm on TCP links.
	NoDelay bool
	// ReadBufferSize is the initial receive buffer for stream links.
	ReadBufferSize int
	// MaxDatagramSize bounds one UDP frame; zero uses limits.MaxDatagramSize.
	MaxDatagramSize int
	// PluginVersion is sent as PVER on the first frame of the transport.
	PluginVersion int

	// LinkFactory creates physical links; nil uses the socket implementations.
	LinkFactory LinkFactory
	// Rand seeds the initial outbound sequence number.
	Rand *rand.Rand
	// Logger receives transport logs; nil uses the logrus standard logger.
	Logger *logrus.Logger
}

// DefaultOptions returns the default options for protocol p.
func DefaultOptions(p Protocol) Options {
	opts := Options{
		ConnectTimeout:       DefaultConnectTimeout,
		ReconnectDelay:       DefaultReconnectDelay,
		CompressionThreshold: DefaultCompressionThreshold,
		Path:                 "/",
		NoDelay:              true,
	}
	switch p {
	case TCP, WebSocket:
		opts.AutoReconnect = true
		opts.PingInterval = 3 * time.Second
		opts.PingTimeout = 20 * time.Second
	case HTTP:
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return opts
}

// validate checks the options against protocol p and fills unset defaults.
func (o *Options) validate(p Protocol) error {
	if len(o.Addresses) == 0 {
		return ErrNoAddress
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.CompressionThreshold < 0 {
		o.CompressionThreshold = 0
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if p == HTTP && o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	seen := make(map[crypto.Type]bool, len(o.Encryptions))
	for _, t := range o.Encryptions {
		if t == crypto.TypeNone {
			return fmt.Errorf("%w: %s", crypto.ErrUnknownType, t)
		}
		if seen[t] {
			return fmt.Errorf("duplicate cipher %s", t)
		}
		seen[t] = true
		if crypto.RequiresServerHandshake(t) && KindOf(p) != KindStream {
			return fmt.Errorf("%w: %s on %s", ErrUnsupportedCipher, t, p)
		}
	}
	if o.Compression != compression.NameNone {
		if _, err := compression.New(o.Compression); err != nil {
			return err
		}
	}
	return nil
}
