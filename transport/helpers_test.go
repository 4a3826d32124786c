package transport

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionnet/message"
)

// gateLink is a fake stream link whose writes block until released.
type gateLink struct {
	kind LinkKind

	mu      sync.Mutex
	writes  [][]byte
	gate    chan struct{}
	short   int // bytes accepted by the next write, 0 = all
	closed  bool
	readErr chan error
}

func newGateLink(kind LinkKind) *gateLink {
	return &gateLink{
		kind:    kind,
		gate:    make(chan struct{}, 64),
		readErr: make(chan error, 1),
	}
}

func (l *gateLink) Dial(ctx context.Context, addr Address) error { return nil }

func (l *gateLink) Write(data []byte) (int, error) {
	<-l.gate
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(data)
	if l.short > 0 && l.short < n {
		n = l.short
		l.short = 0
	}
	l.writes = append(l.writes, append([]byte(nil), data[:n]...))
	return n, nil
}

func (l *gateLink) Read(p []byte) (int, error) {
	return 0, <-l.readErr
}

func (l *gateLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.readErr <- io.EOF
	}
	return nil
}

func (l *gateLink) Kind() LinkKind { return l.kind }

func (l *gateLink) release(n int) {
	for i := 0; i < n; i++ {
		l.gate <- struct{}{}
	}
}

func (l *gateLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// newEstablished returns a transport wired to link and forced into
// StateEstablished with session id "S".
func newEstablished(t *testing.T, p Protocol, link Link, configure ...func(*Options)) *Transport {
	t.Helper()
	opts := DefaultOptions(p)
	opts.Addresses = []Address{{Host: "fake", Port: 1}}
	opts.PingInterval = 0
	opts.PingTimeout = 0
	opts.LinkFactory = func(Protocol, *Options) (Link, error) { return link, nil }
	for _, fn := range configure {
		fn(&opts)
	}
	tr, err := New(p, message.EncodingJSON, opts)
	require.NoError(t, err)

	tr.mu.Lock()
	tr.link = link
	tr.linkUp = true
	tr.sid = "S"
	tr.state.Store(uint32(StateEstablished))
	tr.mu.Unlock()
	return tr
}
