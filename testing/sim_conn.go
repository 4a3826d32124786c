package testing

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/compression"
	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/frame"
	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

// Conn is the server side of one simulated connection.
type Conn struct {
	ID      int
	Kind    transport.LinkKind
	Address transport.Address

	server *SimServer
	codec  message.Codec

	toClient   chan []byte
	fromClient chan []byte
	replied    chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	dec       *frame.Decoder
	writes    int
	inverse   *[256]byte
	chacha    *crypto.ServerSession
	keyFrames []string
}

func newConn(s *SimServer, id int, kind transport.LinkKind, addr transport.Address) *Conn {
	codec, err := message.NewCodec(s.cfg.Encoding)
	if err != nil {
		codec = message.JSONCodec{}
	}
	return &Conn{
		ID:         id,
		Kind:       kind,
		Address:    addr,
		server:     s,
		codec:      codec,
		toClient:   make(chan []byte, 256),
		fromClient: make(chan []byte, 256),
		replied:    make(chan struct{}, 256),
		closed:     make(chan struct{}),
		dec:        frame.NewDecoder(0),
	}
}

func (c *Conn) setTable(table [256]byte) {
	var inv [256]byte
	for i, b := range table {
		inv[b] = byte(i)
	}
	c.mu.Lock()
	c.inverse = &inv
	c.mu.Unlock()
}

// Close drops the connection; the client's pending Read fails with io.EOF.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// IsClosed reports whether either side closed the connection.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Writes returns the number of physical writes the client performed.
func (c *Conn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// KeyFrames returns the ENC values of every key-exchange frame received.
func (c *Conn) KeyFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.keyFrames))
	copy(out, c.keyFrames)
	return out
}

// clientWrite is the client's physical write. Request links block until the
// server replies.
func (c *Conn) clientWrite(data []byte) (int, error) {
	buf := append([]byte(nil), data...)
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	case c.fromClient <- buf:
	}
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	c.server.record(c.ID, len(data))

	if c.Kind == transport.KindRequest {
		select {
		case <-c.replied:
		case <-c.closed:
			return 0, io.ErrClosedPipe
		}
	}
	return len(data), nil
}

// clientRead is the client's physical read.
func (c *Conn) clientRead() ([]byte, error) {
	select {
	case b := <-c.toClient:
		return b, nil
	case <-c.closed:
		select {
		case b := <-c.toClient:
			return b, nil
		default:
		}
		return nil, io.EOF
	}
}

// SendRaw pushes bytes to the client as one read unit.
func (c *Conn) SendRaw(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.toClient <- data:
	}
	if c.Kind == transport.KindRequest {
		c.replied <- struct{}{}
	}
	return nil
}

// SendFrame frames body with h and pushes it to the client.
func (c *Conn) SendFrame(h frame.Header, body []byte) error {
	data, err := frame.Encode(h, body)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendMessage encodes m with the server encoding and pushes it. When the
// client announced a chacha20 key the body is encrypted.
func (c *Conn) SendMessage(m *message.Message) error {
	body, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	var h frame.Header
	c.mu.Lock()
	session := c.chacha
	c.mu.Unlock()
	if session != nil && len(body) > 0 {
		sealed, hdr, err := session.Encrypt(body)
		if err != nil {
			return err
		}
		h.Encryption = crypto.Field(crypto.TypeChaCha20, hdr)
		body = sealed
	}
	return c.SendFrame(h, body)
}

// Reply releases a pending request without a response body. Only request
// links wait for replies.
func (c *Conn) Reply() {
	if c.Kind == transport.KindRequest {
		c.replied <- struct{}{}
	}
}

// ReadFrame returns the next frame the client wrote.
func (c *Conn) ReadFrame(timeout time.Duration) (*frame.Frame, error) {
	deadline := time.After(timeout)
	for {
		if c.Kind == transport.KindStream {
			c.mu.Lock()
			f, err := c.dec.Next()
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if f != nil {
				return f, nil
			}
		}

		select {
		case b := <-c.fromClient:
			if c.Kind != transport.KindStream {
				return frame.DecodeOne(b)
			}
			c.mu.Lock()
			c.dec.Feed(b)
			c.mu.Unlock()
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

// ReadMessage returns the next message the client wrote. Key-exchange frames
// are consumed on the way and recorded in KeyFrames.
func (c *Conn) ReadMessage(timeout time.Duration) (*message.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := c.ReadFrame(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if f.Header.Encryption != "" && len(f.Body) == 0 {
			if err := c.keyFrame(f.Header.Encryption); err != nil {
				return nil, err
			}
			continue
		}
		body, err := c.open(f)
		if err != nil {
			return nil, err
		}
		return c.codec.Unmarshal(body)
	}
}

func (c *Conn) keyFrame(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyFrames = append(c.keyFrames, field)

	typ, hdr, err := crypto.ParseField(field)
	if err != nil {
		return err
	}
	if typ == crypto.TypeChaCha20 && c.server.cfg.StaticKey != nil {
		session, err := crypto.NewServerSession(*c.server.cfg.StaticKey, hdr)
		if err != nil {
			return err
		}
		c.chacha = session
	}
	logrus.WithFields(logrus.Fields{
		"function": "Conn.keyFrame",
		"conn_id":  c.ID,
		"cipher":   typ.String(),
	}).Debug("Simulated server received key exchange")
	return nil
}

// open reverses the client's encryption and compression.
func (c *Conn) open(f *frame.Frame) ([]byte, error) {
	body := f.Body
	if f.Header.Encryption != "" {
		typ, hdr, err := crypto.ParseField(f.Header.Encryption)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		inverse, session := c.inverse, c.chacha
		c.mu.Unlock()
		switch {
		case typ == crypto.TypeTable && inverse != nil:
			out := make([]byte, len(body))
			for i, b := range body {
				out[i] = inverse[b]
			}
			body = out
		case typ == crypto.TypeChaCha20 && session != nil:
			if body, err = session.Decrypt(body, hdr); err != nil {
				return nil, err
			}
		case typ == crypto.TypeDummy:
		default:
			return nil, crypto.ErrNotEstablished
		}
	}
	if f.Header.Compression != "" {
		name, n, err := compression.ParseField(f.Header.Compression)
		if err != nil {
			return nil, err
		}
		comp, err := compression.New(name)
		if err != nil {
			return nil, err
		}
		if body, err = comp.Decompress(body, n); err != nil {
			return nil, err
		}
	}
	return body, nil
}
