package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
)

// tcpLink is a stream link over a TCP (or TLS) connection.
type tcpLink struct {
	opts *Options

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newTCPLink(opts *Options) *tcpLink {
	return &tcpLink{opts: opts}
}

// newTCPLinkConn wraps an already connected net.Conn.
func newTCPLinkConn(conn net.Conn) *tcpLink {
	return &tcpLink{opts: &Options{}, conn: conn}
}

func (l *tcpLink) Dial(ctx context.Context, addr Address) error {
	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if l.opts.UseTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: addr.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr.String())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr.String())
	}
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(l.opts.NoDelay)
	}
	return l.attach(conn)
}

// attach stores conn unless the link was closed while dialing.
func (l *tcpLink) attach(conn net.Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = conn.Close()
		return ErrClosed
	}
	l.conn = conn
	return nil
}

func (l *tcpLink) current() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *tcpLink) Write(data []byte) (int, error) {
	conn := l.current()
	if conn == nil {
		return 0, ErrClosed
	}
	return conn.Write(data)
}

func (l *tcpLink) Read(p []byte) (int, error) {
	conn := l.current()
	if conn == nil {
		return 0, ErrClosed
	}
	return conn.Read(p)
}

func (l *tcpLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func (l *tcpLink) Kind() LinkKind { return KindStream }
