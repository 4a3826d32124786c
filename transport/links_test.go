package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrOf(t *testing.T, hostport string) Address {
	t.Helper()
	host, port, err := net.SplitHostPort(hostport)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Address{Host: host, Port: uint16(p)}
}

func dialCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTCPLinkLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	link, err := DefaultLinkFactory(TCP, &Options{NoDelay: true})
	require.NoError(t, err)
	require.Equal(t, KindStream, link.Kind())
	require.NoError(t, link.Dial(dialCtx(t), addrOf(t, ln.Addr().String())))
	defer link.Close()

	n, err := link.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	got := 0
	for got < 4 {
		n, err := link.Read(buf[got:])
		require.NoError(t, err)
		got += n
	}
	assert.Equal(t, "ping", string(buf[:got]))
}

func TestTCPLinkCloseBeforeDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	link := newTCPLink(&Options{})
	require.NoError(t, link.Close())
	err = link.Dial(dialCtx(t), addrOf(t, ln.Addr().String()))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = link.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUDPLinkLoopback(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 2048)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		_, _ = pc.WriteTo(buf[:n], from)
	}()

	link, err := DefaultLinkFactory(UDP, &Options{})
	require.NoError(t, err)
	require.Equal(t, KindDatagram, link.Kind())
	require.NoError(t, link.Dial(dialCtx(t), addrOf(t, pc.LocalAddr().String())))
	defer link.Close()

	_, err = link.Write([]byte("datagram"))
	require.NoError(t, err)

	buf := make([]byte, 2048)
	n, err := link.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "datagram", string(buf[:n]))
}

func TestHTTPLinkPostsFrames(t *testing.T) {
	headers := make(chan http.Header, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if string(body) == "empty" {
			return
		}
		_, _ = w.Write(append([]byte("re:"), body...))
	}))
	defer srv.Close()

	link, err := DefaultLinkFactory(HTTP, &Options{Path: "/session"})
	require.NoError(t, err)
	require.Equal(t, KindRequest, link.Kind())
	require.NoError(t, link.Dial(dialCtx(t), addrOf(t, srv.Listener.Addr().String())))
	defer link.Close()

	n, err := link.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	h := <-headers
	assert.NotEmpty(t, h.Get(HeaderTransportID))
	assert.Equal(t, "application/octet-stream", h.Get("Content-Type"))

	buf := make([]byte, 64)
	n, err = link.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "re:hello", string(buf[:n]))

	_, err = link.Write([]byte("empty"))
	require.NoError(t, err)
	select {
	case <-link.(*httpLink).responses:
		t.Fatal("empty response must not produce a read unit")
	default:
	}
}

func TestHTTPLinkStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	link := newHTTPLink(&Options{})
	require.NoError(t, link.Dial(dialCtx(t), addrOf(t, srv.Listener.Addr().String())))
	defer link.Close()

	_, err := link.Write([]byte("x"))
	assert.Error(t, err)
}

func TestHTTPLinkCloseUnblocksRead(t *testing.T) {
	link := newHTTPLink(&Options{})
	done := make(chan error, 1)
	go func() {
		_, err := link.Read(make([]byte, 8))
		done <- err
	}()
	require.NoError(t, link.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestWebSocketLinkStreamsAcrossMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		half := len(data) / 2
		_ = conn.WriteMessage(websocket.BinaryMessage, data[:half])
		_ = conn.WriteMessage(websocket.BinaryMessage, data[half:])
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	link, err := DefaultLinkFactory(WebSocket, &Options{Path: "/ws", ConnectTimeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, KindStream, link.Kind())
	require.NoError(t, link.Dial(dialCtx(t), addrOf(t, srv.Listener.Addr().String())))
	defer link.Close()

	payload := []byte("websocket-frame-payload")
	_, err = link.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 64)
	got := 0
	for got < len(payload) {
		n, err := link.Read(buf[got:])
		require.NoError(t, err)
		got += n
	}
	assert.Equal(t, payload, buf[:got])
}
