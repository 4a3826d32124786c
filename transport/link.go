package transport

import (
	"context"
	"fmt"
)

// Link is one physical connection attempt. A transport creates a new Link for
// every attempt and never reuses a closed one.
//
// Read and Write are called from separate goroutines; at most one call of each
// is outstanding at a time. Close must unblock both.
type Link interface {
	// Dial establishes the connection to addr.
	Dial(ctx context.Context, addr Address) error
	// Write performs one physical write of data and reports how many bytes
	// were accepted.
	Write(data []byte) (int, error)
	// Read reads the next bytes of a stream, or exactly one unit for
	// datagram and request links.
	Read(p []byte) (int, error)
	// Close tears the connection down.
	Close() error
	// Kind reports how the link frames traffic.
	Kind() LinkKind
}

// LinkFactory creates the link for one connection attempt.
type LinkFactory func(p Protocol, opts *Options) (Link, error)

// DefaultLinkFactory returns the socket implementation for p.
func DefaultLinkFactory(p Protocol, opts *Options) (Link, error) {
	switch p {
	case TCP:
		return newTCPLink(opts), nil
	case UDP:
		return newUDPLink(opts), nil
	case HTTP:
		return newHTTPLink(opts), nil
	case WebSocket:
		return newWSLink(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, p)
	}
}
