package testing

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionnet/frame"
	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

func dialSim(t *testing.T, s *SimServer, p transport.Protocol) transport.Link {
	t.Helper()
	link, err := s.LinkFactory()(p, &transport.Options{})
	require.NoError(t, err)
	require.NoError(t, link.Dial(context.Background(), transport.Address{Host: "sim", Port: 1}))
	return link
}

func TestSimServerRefuse(t *testing.T) {
	s := NewServer(ServerConfig{})
	s.RefuseNext(1)

	link, _ := s.LinkFactory()(transport.TCP, &transport.Options{})
	err := link.Dial(context.Background(), transport.Address{Host: "sim", Port: 1})
	assert.True(t, errors.Is(err, ErrRefused))

	require.NoError(t, link.Dial(context.Background(), transport.Address{Host: "sim", Port: 2}))
	assert.Len(t, s.Dials(), 2)
	assert.Len(t, s.Conns(), 1)
}

func TestSimServerStreamHandshake(t *testing.T) {
	s := NewServer(ServerConfig{})
	link := dialSim(t, s, transport.TCP)

	buf := make([]byte, 256)
	n, err := link.Read(buf)
	require.NoError(t, err)
	f, err := frame.DecodeOne(buf[:n])
	require.NoError(t, err)
	assert.Empty(t, f.Body)
	assert.Empty(t, f.Header.Encryption)
}

func TestSimServerMessageRoundTrip(t *testing.T) {
	s := NewServer(ServerConfig{Encoding: message.EncodingJSON, SkipHandshake: true})
	link := dialSim(t, s, transport.UDP)
	conn, err := s.Accept(time.Second)
	require.NoError(t, err)

	data, err := frame.Encode(frame.Header{}, []byte(`{"_msgtype":"echo","v":1}`))
	require.NoError(t, err)
	_, err = link.Write(data)
	require.NoError(t, err)

	m, err := conn.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Type)
	assert.JSONEq(t, `{"v":1}`, string(m.Payload))
	assert.Equal(t, 1, conn.Writes())

	log := s.GetDeliveryLog()
	require.Len(t, log, 1)
	assert.Equal(t, len(data), log[0].Size)
	s.ClearDeliveryLog()
	assert.Empty(t, s.GetDeliveryLog())
}

func TestSimServerCloseUnblocksRead(t *testing.T) {
	s := NewServer(ServerConfig{SkipHandshake: true})
	link := dialSim(t, s, transport.TCP)
	conn, err := s.Accept(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := link.Read(make([]byte, 16))
		done <- err
	}()
	conn.Close()

	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by close")
	}
	assert.True(t, conn.IsClosed())
}
