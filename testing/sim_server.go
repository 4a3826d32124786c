package testing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/frame"
	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

var (
	// ErrRefused is returned by Dial while the server refuses connections.
	ErrRefused = errors.New("simulated connection refused")
	// ErrTimeout is returned when an expected connection or frame does not arrive.
	ErrTimeout = errors.New("simulated wait timed out")
)

// ServerConfig configures a SimServer.
type ServerConfig struct {
	// Encoding is the body encoding used by SendMessage and ReadMessage.
	Encoding message.Encoding
	// Ciphers lists the server-handshake ciphers announced on stream connects,
	// in order. Without any, stream connects get one empty frame.
	Ciphers []crypto.Type
	// TableSeed keys the table cipher; it must be crypto.TableSeedSize bytes.
	TableSeed []byte
	// StaticKey enables the chacha20 key exchange.
	StaticKey *noise.DHKey
	// SkipHandshake suppresses the initial frame on stream connects.
	SkipHandshake bool
}

// DeliveryRecord is one physical write performed by a client.
type DeliveryRecord struct {
	ConnID    int
	Size      int
	Timestamp int64
}

// SimServer is an in-memory server reachable through LinkFactory.
type SimServer struct {
	cfg ServerConfig

	mu          sync.Mutex
	conns       []*Conn
	accepted    chan *Conn
	refuse      int
	down        bool
	dials       []transport.Address
	deliveryLog []DeliveryRecord
}

// NewServer creates a simulated server.
func NewServer(cfg ServerConfig) *SimServer {
	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"encoding": cfg.Encoding.String(),
		"ciphers":  len(cfg.Ciphers),
	}).Debug("Creating simulated server")

	return &SimServer{
		cfg:      cfg,
		accepted: make(chan *Conn, 64),
	}
}

// LinkFactory returns a transport.LinkFactory whose links connect to s.
func (s *SimServer) LinkFactory() transport.LinkFactory {
	return func(p transport.Protocol, opts *transport.Options) (transport.Link, error) {
		return &simLink{server: s, kind: transport.KindOf(p)}, nil
	}
}

// SetDown makes every following dial fail until SetDown(false).
func (s *SimServer) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// RefuseNext makes the next n dials fail.
func (s *SimServer) RefuseNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = n
}

// Dials returns the addresses of every dial attempt, refused ones included.
func (s *SimServer) Dials() []transport.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Address, len(s.dials))
	copy(out, s.dials)
	return out
}

// Conns returns every accepted connection in accept order.
func (s *SimServer) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// Accept waits for the next client connection.
func (s *SimServer) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// GetDeliveryLog returns a copy of the delivery log.
func (s *SimServer) GetDeliveryLog() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeliveryRecord, len(s.deliveryLog))
	copy(out, s.deliveryLog)
	return out
}

// ClearDeliveryLog empties the delivery log.
func (s *SimServer) ClearDeliveryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryLog = nil
}

func (s *SimServer) record(connID, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryLog = append(s.deliveryLog, DeliveryRecord{
		ConnID:    connID,
		Size:      size,
		Timestamp: time.Now().UnixNano(),
	})
}

// dial accepts or refuses one connection attempt.
func (s *SimServer) dial(ctx context.Context, kind transport.LinkKind, addr transport.Address) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dials = append(s.dials, addr)
	if s.down || s.refuse > 0 {
		if s.refuse > 0 {
			s.refuse--
		}
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "SimServer.dial",
			"address":  addr.String(),
		}).Debug("Refusing simulated connection")
		return nil, fmt.Errorf("%w: %s", ErrRefused, addr)
	}
	c := newConn(s, len(s.conns)+1, kind, addr)
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	if kind == transport.KindStream && !s.cfg.SkipHandshake {
		if err := s.sendHandshake(c); err != nil {
			return nil, err
		}
	}
	s.accepted <- c
	return c, nil
}

// sendHandshake pushes the stream handshake frames for the configured ciphers.
func (s *SimServer) sendHandshake(c *Conn) error {
	if len(s.cfg.Ciphers) == 0 {
		return c.SendFrame(frame.Header{}, nil)
	}
	for _, typ := range s.cfg.Ciphers {
		hdr := ""
		if typ == crypto.TypeTable {
			table, err := crypto.BuildTable(s.cfg.TableSeed)
			if err != nil {
				return err
			}
			c.setTable(table)
			hdr = hex.EncodeToString(s.cfg.TableSeed)
		}
		if err := c.SendFrame(frame.Header{Encryption: crypto.Field(typ, hdr)}, nil); err != nil {
			return err
		}
	}
	return nil
}

// simLink is the client side of a simulated connection.
type simLink struct {
	server *SimServer
	kind   transport.LinkKind

	mu     sync.Mutex
	conn   *Conn
	closed bool

	// leftover is only touched by the read goroutine.
	leftover []byte
}

func (l *simLink) Dial(ctx context.Context, addr transport.Address) error {
	c, err := l.server.dial(ctx, l.kind, addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		c.Close()
		return transport.ErrClosed
	}
	l.conn = c
	return nil
}

func (l *simLink) current() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *simLink) Write(data []byte) (int, error) {
	c := l.current()
	if c == nil {
		return 0, transport.ErrClosed
	}
	return c.clientWrite(data)
}

func (l *simLink) Read(p []byte) (int, error) {
	c := l.current()
	if c == nil {
		return 0, transport.ErrClosed
	}
	if l.kind == transport.KindStream {
		if len(l.leftover) == 0 {
			b, err := c.clientRead()
			if err != nil {
				return 0, err
			}
			l.leftover = b
		}
		n := copy(p, l.leftover)
		l.leftover = l.leftover[n:]
		return n, nil
	}
	b, err := c.clientRead()
	if err != nil {
		return 0, err
	}
	if len(b) > len(p) {
		return 0, fmt.Errorf("simulated unit of %d bytes exceeds buffer", len(b))
	}
	return copy(p, b), nil
}

func (l *simLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn != nil {
		l.conn.Close()
	}
	return nil
}

func (l *simLink) Kind() transport.LinkKind { return l.kind }
