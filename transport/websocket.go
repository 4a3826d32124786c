package transport

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// wsLink is a full-duplex stream link. Each flush is sent as one binary
// WebSocket message; inbound messages are concatenated into a byte stream so
// frames may span messages.
type wsLink struct {
	opts *Options

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// reader is only touched by the read goroutine.
	reader io.Reader
}

func newWSLink(opts *Options) *wsLink {
	return &wsLink{opts: opts}
}

func (l *wsLink) Dial(ctx context.Context, addr Address) error {
	scheme := "ws"
	if l.opts.UseTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr.String(), Path: l.opts.Path}
	dialer := websocket.Dialer{
		HandshakeTimeout: l.opts.ConnectTimeout,
		ReadBufferSize:   l.opts.ReadBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = conn.Close()
		return ErrClosed
	}
	l.conn = conn
	return nil
}

func (l *wsLink) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *wsLink) Write(data []byte) (int, error) {
	conn := l.current()
	if conn == nil {
		return 0, ErrClosed
	}
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

func (l *wsLink) Read(p []byte) (int, error) {
	conn := l.current()
	if conn == nil {
		return 0, ErrClosed
	}
	for {
		if l.reader == nil {
			_, r, err := conn.NextReader()
			if err != nil {
				return 0, err
			}
			l.reader = r
		}
		n, err := l.reader.Read(p)
		if err == io.EOF {
			l.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (l *wsLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func (l *wsLink) Kind() LinkKind { return KindStream }
