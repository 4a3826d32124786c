package transport_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionnet/compression"
	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/message"
	simnet "github.com/opd-ai/sessionnet/testing"
	"github.com/opd-ai/sessionnet/transport"
)

const wait = time.Second

type recorder struct {
	started      int
	stopped      int
	disconnected int
	failed       int
	timeouts     int
	sids         []string
	received     []*message.Message
	errors       []*transport.Error
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		Started:           func(*transport.Transport) { r.started++ },
		Stopped:           func(*transport.Transport) { r.stopped++ },
		Disconnected:      func(*transport.Transport) { r.disconnected++ },
		ConnectionFailed:  func(*transport.Transport) { r.failed++ },
		ConnectionTimeout: func(*transport.Transport) { r.timeouts++ },
		SessionID:         func(_ *transport.Transport, sid string) { r.sids = append(r.sids, sid) },
		Received:          func(_ *transport.Transport, m *message.Message) { r.received = append(r.received, m) },
		Error:             func(_ *transport.Transport, err *transport.Error) { r.errors = append(r.errors, err) },
	}
}

func simOptions(srv *simnet.SimServer, p transport.Protocol) transport.Options {
	opts := transport.DefaultOptions(p)
	opts.Addresses = []transport.Address{{Host: "sim", Port: 8012}}
	opts.LinkFactory = srv.LinkFactory()
	opts.PingInterval = 0
	opts.PingTimeout = 0
	opts.Rand = mrand.New(mrand.NewSource(1))
	return opts
}

func newSimTransport(t *testing.T, p transport.Protocol, opts transport.Options) (*transport.Transport, *recorder) {
	t.Helper()
	tr, err := transport.New(p, message.EncodingJSON, opts)
	require.NoError(t, err)
	rec := &recorder{}
	tr.SetCallbacks(rec.callbacks())
	t.Cleanup(tr.Stop)
	return tr, rec
}

// pump drives the transport until cond holds.
func pump(t *testing.T, tr *transport.Transport, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, transport state %s", tr.State())
		}
		tr.Update(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func stateIs(tr *transport.Transport, s transport.State) func() bool {
	return func() bool { return tr.State() == s }
}

// establish connects tr, answers the bootstrap probe with sid and returns the
// server side of the connection.
func establish(t *testing.T, srv *simnet.SimServer, tr *transport.Transport, sid string) *simnet.Conn {
	t.Helper()
	require.NoError(t, tr.Start())
	conn, err := srv.Accept(wait)
	require.NoError(t, err)

	pump(t, tr, stateIs(tr, transport.StateWaitForSessionID))
	probe, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, message.TypeBootstrap, probe.Type)
	assert.Empty(t, probe.SID)

	require.NoError(t, conn.SendMessage(&message.Message{SID: sid}))
	pump(t, tr, tr.IsEstablished)
	return conn
}

func TestBootstrapAssignsSessionID(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	tr, rec := newSimTransport(t, transport.TCP, simOptions(srv, transport.TCP))

	establish(t, srv, tr, "ABC123")

	assert.Equal(t, "ABC123", tr.SessionID())
	assert.Equal(t, []string{"ABC123"}, rec.sids)
	assert.Equal(t, 1, rec.started)
	assert.Empty(t, rec.received, "the bootstrap reply carries nothing for the application")
}

func TestReceiveAndSend(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	tr, rec := newSimTransport(t, transport.TCP, simOptions(srv, transport.TCP))
	conn := establish(t, srv, tr, "ABC123")

	require.NoError(t, conn.SendMessage(&message.Message{
		Type:    "chat",
		SID:     "ABC123",
		Payload: []byte(`{"text":"hi"}`),
	}))
	pump(t, tr, func() bool { return len(rec.received) == 1 })
	assert.Equal(t, "chat", rec.received[0].Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(rec.received[0].Payload))

	require.NoError(t, tr.Send(&message.Message{Type: "login", Payload: []byte(`{"user":"bob"}`)}))
	got, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "login", got.Type)
	assert.Equal(t, "ABC123", got.SID)
	assert.False(t, got.HasSeq)
	assert.JSONEq(t, `{"user":"bob"}`, string(got.Payload))
}

func TestProtobufEncoding(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{Encoding: message.EncodingProtobuf})
	tr, err := transport.New(transport.TCP, message.EncodingProtobuf, simOptions(srv, transport.TCP))
	require.NoError(t, err)
	defer tr.Stop()
	rec := &recorder{}
	tr.SetCallbacks(rec.callbacks())

	conn := establish(t, srv, tr, "PB1")
	require.NoError(t, tr.Send(&message.Message{Type: "bin", Payload: []byte{0x0a, 0x01, 0x7f}}))
	got, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "bin", got.Type)
	assert.Equal(t, "PB1", got.SID)
	assert.Equal(t, []byte{0x0a, 0x01, 0x7f}, got.Payload)
}

func TestUDPSession(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	tr, rec := newSimTransport(t, transport.UDP, simOptions(srv, transport.UDP))
	conn := establish(t, srv, tr, "U1")
	assert.Equal(t, transport.KindDatagram, conn.Kind)

	for _, typ := range []string{"a", "b"} {
		require.NoError(t, tr.Send(&message.Message{Type: typ}))
	}
	for _, typ := range []string{"a", "b"} {
		got, err := conn.ReadMessage(wait)
		require.NoError(t, err)
		assert.Equal(t, typ, got.Type)
	}

	require.NoError(t, conn.SendMessage(&message.Message{Type: "pong", SID: "U1"}))
	pump(t, tr, func() bool { return len(rec.received) == 1 })
	assert.Equal(t, "pong", rec.received[0].Type)
}

func TestHTTPSession(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	tr, rec := newSimTransport(t, transport.HTTP, simOptions(srv, transport.HTTP))
	conn := establish(t, srv, tr, "H1")
	assert.Equal(t, transport.KindRequest, conn.Kind)

	require.NoError(t, tr.Send(&message.Message{Type: "query"}))
	got, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "query", got.Type)
	require.NoError(t, conn.SendMessage(&message.Message{Type: "answer", SID: "H1"}))

	pump(t, tr, func() bool { return len(rec.received) == 1 })
	assert.Equal(t, "answer", rec.received[0].Type)
}

func TestHTTPRequestTimeout(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.HTTP)
	opts.RequestTimeout = 100 * time.Millisecond
	tr, rec := newSimTransport(t, transport.HTTP, opts)
	conn := establish(t, srv, tr, "H1")

	require.NoError(t, tr.Send(&message.Message{Type: "slow"}))
	_, err := conn.ReadMessage(wait)
	require.NoError(t, err)

	pump(t, tr, func() bool { return rec.stopped == 1 })
	assert.Equal(t, 1, rec.disconnected)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, transport.ErrorRequestTimeout, rec.errors[0].Kind)
}

func TestReliableDuplicateAndGap(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.SequenceValidation = true
	tr, rec := newSimTransport(t, transport.TCP, opts)
	require.True(t, tr.IsReliable())
	conn := establish(t, srv, tr, "R1")

	send := func(seq uint32) {
		require.NoError(t, conn.SendMessage(&message.Message{
			Type: "data", SID: "R1", Seq: seq, HasSeq: true,
		}))
	}

	send(100)
	pump(t, tr, func() bool { return len(rec.received) == 1 })
	ack, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.True(t, ack.HasAck)
	assert.Equal(t, uint32(101), ack.Ack)

	var ops []uint32
	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Send(&message.Message{Type: "op"}))
		m, err := conn.ReadMessage(wait)
		require.NoError(t, err)
		require.Equal(t, "op", m.Type)
		ops = append(ops, m.Seq)
	}
	require.Equal(t, 2, tr.PendingResend())
	fullAck := ops[1] + 1

	// Duplicates change nothing, whatever else they carry.
	require.NoError(t, conn.SendMessage(&message.Message{
		Type: "data", SID: "R1", Seq: 100, HasSeq: true, Ack: fullAck, HasAck: true,
	}))
	require.NoError(t, conn.SendMessage(&message.Message{
		Type: "data", SID: "OTHER", Seq: 100, HasSeq: true,
	}))
	send(101)
	pump(t, tr, func() bool { return len(rec.received) == 2 })
	assert.Equal(t, uint32(101), rec.received[1].Seq)
	assert.Equal(t, 2, tr.PendingResend())
	assert.Equal(t, "R1", tr.SessionID())

	ack, err = conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, uint32(102), ack.Ack, "duplicates are not acknowledged")

	// A gap stops the transport before its ack is applied.
	require.NoError(t, conn.SendMessage(&message.Message{
		Type: "data", SID: "R1", Seq: 105, HasSeq: true, Ack: fullAck, HasAck: true,
	}))
	pump(t, tr, func() bool { return rec.stopped == 1 })
	require.Len(t, rec.errors, 1)
	assert.Equal(t, transport.ErrorInvalidSequence, rec.errors[0].Kind)
	assert.Equal(t, transport.StateUnknown, tr.State())
	assert.False(t, tr.IsStarted())
	assert.Equal(t, 2, tr.PendingResend())
	assert.Len(t, srv.Dials(), 1, "an invalid sequence never reconnects")
}

func TestReliableReconnectResendsUnacked(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.SequenceValidation = true
	tr, rec := newSimTransport(t, transport.TCP, opts)
	conn := establish(t, srv, tr, "R1")

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Send(&message.Message{Type: "op"}))
	}
	var seqs []uint32
	for i := 0; i < 3; i++ {
		m, err := conn.ReadMessage(wait)
		require.NoError(t, err)
		require.True(t, m.HasSeq)
		seqs = append(seqs, m.Seq)
	}
	assert.Equal(t, seqs[0]+1, seqs[1])
	assert.Equal(t, seqs[1]+1, seqs[2])

	require.NoError(t, conn.SendMessage(&message.Message{SID: "R1", Ack: seqs[1], HasAck: true}))
	pump(t, tr, func() bool { return tr.PendingResend() == 2 })

	conn.Close()
	pump(t, tr, func() bool {
		return len(srv.Conns()) == 2 && tr.State() == transport.StateWaitForAck
	})
	assert.Equal(t, 1, rec.disconnected)
	conn2 := srv.Conns()[1]

	bind, err := conn2.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "R1", bind.SID)
	assert.False(t, bind.HasAck, "nothing sequenced was received")

	require.NoError(t, conn2.SendMessage(&message.Message{SID: "R1", Ack: seqs[2], HasAck: true}))
	pump(t, tr, tr.IsEstablished)
	assert.Equal(t, 2, rec.started)

	resent, err := conn2.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "op", resent.Type)
	assert.Equal(t, seqs[2], resent.Seq)
	assert.Equal(t, "R1", resent.SID)
}

func TestConnectFailureRotatesAddresses(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	srv.SetDown(true)
	opts := simOptions(srv, transport.TCP)
	opts.Addresses = []transport.Address{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	opts.ReconnectDelay = 10 * time.Millisecond
	tr, rec := newSimTransport(t, transport.TCP, opts)

	require.NoError(t, tr.Start())
	pump(t, tr, func() bool { return rec.failed == 1 })

	var hosts []string
	for _, a := range srv.Dials() {
		hosts = append(hosts, a.Host)
	}
	assert.Equal(t, []string{"a", "a", "a", "b", "b", "b"}, hosts)
	assert.Equal(t, 1, rec.stopped)
	assert.Equal(t, transport.ErrorConnect, tr.LastError().Kind)
}

func TestConnectFailureWithoutAutoReconnect(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	srv.SetDown(true)
	opts := simOptions(srv, transport.TCP)
	opts.Addresses = []transport.Address{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	opts.AutoReconnect = false
	tr, rec := newSimTransport(t, transport.TCP, opts)

	require.NoError(t, tr.Start())
	pump(t, tr, func() bool { return rec.failed == 1 })

	dials := srv.Dials()
	require.Len(t, dials, 2)
	assert.Equal(t, "a", dials[0].Host)
	assert.Equal(t, "b", dials[1].Host)
}

func TestRetryRecoversAfterRefusal(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	srv.RefuseNext(1)
	opts := simOptions(srv, transport.TCP)
	opts.ReconnectDelay = 10 * time.Millisecond
	tr, rec := newSimTransport(t, transport.TCP, opts)

	require.NoError(t, tr.Start())
	pump(t, tr, func() bool { return len(srv.Conns()) == 1 && tr.State() == transport.StateWaitForSessionID })
	assert.Len(t, srv.Dials(), 2)
	assert.Zero(t, rec.failed)
}

// blockingLink never finishes dialing.
type blockingLink struct{}

func (blockingLink) Dial(ctx context.Context, _ transport.Address) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingLink) Write([]byte) (int, error) { return 0, transport.ErrClosed }
func (blockingLink) Read([]byte) (int, error) { return 0, transport.ErrClosed }
func (blockingLink) Close() error { return nil }
func (blockingLink) Kind() transport.LinkKind { return transport.KindStream }

func TestConnectTimeout(t *testing.T) {
	opts := transport.DefaultOptions(transport.TCP)
	opts.Addresses = []transport.Address{{Host: "slow", Port: 1}}
	opts.AutoReconnect = false
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.LinkFactory = func(transport.Protocol, *transport.Options) (transport.Link, error) {
		return blockingLink{}, nil
	}
	tr, rec := newSimTransport(t, transport.TCP, opts)

	require.NoError(t, tr.Start())
	pump(t, tr, func() bool { return rec.failed == 1 })
	assert.Equal(t, 1, rec.timeouts)
	assert.Equal(t, transport.ErrorConnectTimeout, tr.LastError().Kind)
	assert.Equal(t, transport.StateUnknown, tr.State())
}

func serverKey(t *testing.T) (*simnet.SimServer, string, func(cfg simnet.ServerConfig) *simnet.SimServer) {
	t.Helper()
	key, err := crypto.GenerateServerKey(rand.Reader)
	require.NoError(t, err)
	build := func(cfg simnet.ServerConfig) *simnet.SimServer {
		cfg.StaticKey = &key
		return simnet.NewServer(cfg)
	}
	return build(simnet.ServerConfig{}), hex.EncodeToString(key.Public), build
}

func TestChaCha20Session(t *testing.T) {
	srv, pub, _ := serverKey(t)
	opts := simOptions(srv, transport.TCP)
	opts.Encryptions = []crypto.Type{crypto.TypeChaCha20}
	opts.ServerPublicKey = pub
	tr, rec := newSimTransport(t, transport.TCP, opts)

	conn := establish(t, srv, tr, "C1")
	keys := conn.KeyFrames()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "4-"))

	require.NoError(t, tr.Send(&message.Message{Type: "secret", Payload: []byte(`{"pin":1234}`)}))
	got, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Type)
	assert.JSONEq(t, `{"pin":1234}`, string(got.Payload))

	require.NoError(t, conn.SendMessage(&message.Message{Type: "reply", SID: "C1"}))
	pump(t, tr, func() bool { return len(rec.received) == 1 })
	assert.Equal(t, "reply", rec.received[0].Type)
}

func TestTableAndChaCha20KeyOrder(t *testing.T) {
	seed := make([]byte, crypto.TableSeedSize)
	for i := range seed {
		seed[i] = byte(i * 7)
	}
	_, pub, build := serverKey(t)
	srv := build(simnet.ServerConfig{
		Ciphers:   []crypto.Type{crypto.TypeTable},
		TableSeed: seed,
	})
	opts := simOptions(srv, transport.TCP)
	opts.Encryptions = []crypto.Type{crypto.TypeTable, crypto.TypeChaCha20}
	opts.ServerPublicKey = pub
	tr, _ := newSimTransport(t, transport.TCP, opts)

	conn := establish(t, srv, tr, "T1")
	keys := conn.KeyFrames()
	require.Len(t, keys, 2)
	assert.True(t, strings.HasPrefix(keys[0], "2-"))
	assert.True(t, strings.HasPrefix(keys[1], "4-"))

	require.NoError(t, tr.Send(&message.Message{Type: "tabled"}))
	got, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, "tabled", got.Type)
}

func TestMissingCipherHandshake(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.Encryptions = []crypto.Type{crypto.TypeTable}
	opts.AutoReconnect = false
	tr, rec := newSimTransport(t, transport.TCP, opts)

	require.NoError(t, tr.Start())
	pump(t, tr, func() bool { return rec.failed == 1 })
	assert.Equal(t, transport.ErrorEncryption, tr.LastError().Kind)
}

func TestHandshakeCipherRejectedOnDatagram(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.UDP)
	opts.Encryptions = []crypto.Type{crypto.TypeDummy}
	_, err := transport.New(transport.UDP, message.EncodingJSON, opts)
	assert.ErrorIs(t, err, transport.ErrUnsupportedCipher)
}

func TestServerPingIsEchoed(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	tr, rec := newSimTransport(t, transport.TCP, simOptions(srv, transport.TCP))
	conn := establish(t, srv, tr, "P1")

	require.NoError(t, conn.SendMessage(&message.Message{
		Type: message.TypeServerPing, SID: "P1", Payload: []byte(`{"timestamp":42}`),
	}))
	for i := 0; i < 5; i++ {
		tr.Update(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	echo, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, message.TypeServerPing, echo.Type)
	assert.JSONEq(t, `{"timestamp":42}`, string(echo.Payload))
	assert.Empty(t, rec.received)
}

func TestKeepAlivePing(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.PingInterval = 50 * time.Millisecond
	tr, _ := newSimTransport(t, transport.TCP, opts)
	conn := establish(t, srv, tr, "P1")

	for i := 0; i < 6; i++ {
		tr.Update(10 * time.Millisecond)
	}
	ping, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.Equal(t, message.TypeClientPing, ping.Type)
	assert.Contains(t, string(ping.Payload), "timestamp")
}

func TestPingTimeoutDisconnects(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.PingTimeout = 100 * time.Millisecond
	opts.AutoReconnect = false
	tr, rec := newSimTransport(t, transport.TCP, opts)
	establish(t, srv, tr, "P1")

	pump(t, tr, func() bool { return rec.stopped == 1 })
	assert.Equal(t, 1, rec.disconnected)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, transport.ErrorReceive, rec.errors[0].Kind)
}

func TestCompressionAboveThreshold(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.Compression = compression.NameZstd
	opts.CompressionThreshold = 64
	tr, _ := newSimTransport(t, transport.TCP, opts)
	conn := establish(t, srv, tr, "Z1")

	big := `{"text":"` + strings.Repeat("compressible ", 40) + `"}`
	require.NoError(t, tr.Send(&message.Message{Type: "big", Payload: []byte(big)}))
	f, err := conn.ReadFrame(wait)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.Header.Compression, "zstd-"))
	assert.Less(t, len(f.Body), len(big))

	require.NoError(t, tr.Send(&message.Message{Type: "big", Payload: []byte(big)}))
	got, err := conn.ReadMessage(wait)
	require.NoError(t, err)
	assert.JSONEq(t, big, string(got.Payload))

	require.NoError(t, tr.Send(&message.Message{Type: "small"}))
	f, err = conn.ReadFrame(wait)
	require.NoError(t, err)
	assert.Empty(t, f.Header.Compression)
}

func TestPluginVersionOnFirstFrameOnly(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.PluginVersion = 3
	tr, _ := newSimTransport(t, transport.TCP, opts)

	require.NoError(t, tr.Start())
	conn, err := srv.Accept(wait)
	require.NoError(t, err)
	pump(t, tr, stateIs(tr, transport.StateWaitForSessionID))

	first, err := conn.ReadFrame(wait)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Header.PluginVersion)

	require.NoError(t, conn.SendMessage(&message.Message{SID: "V1"}))
	pump(t, tr, tr.IsEstablished)
	require.NoError(t, tr.Send(&message.Message{Type: "next"}))
	next, err := conn.ReadFrame(wait)
	require.NoError(t, err)
	assert.Zero(t, next.Header.PluginVersion)
}

func TestLifecycleErrors(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	tr, rec := newSimTransport(t, transport.TCP, simOptions(srv, transport.TCP))

	assert.ErrorIs(t, tr.Send(&message.Message{Type: "early"}), transport.ErrNotEstablished)

	establish(t, srv, tr, "L1")
	assert.ErrorIs(t, tr.Start(), transport.ErrAlreadyStarted)

	tr.Stop()
	tr.Update(0)
	assert.Equal(t, 1, rec.stopped)
	assert.False(t, tr.IsStarted())
	assert.ErrorIs(t, tr.Send(&message.Message{Type: "late"}), transport.ErrNotEstablished)

	require.NoError(t, tr.Start())
	_, err := srv.Accept(wait)
	require.NoError(t, err)
	pump(t, tr, tr.IsEstablished)
	assert.Equal(t, "L1", tr.SessionID(), "the session id survives a restart")
}

func TestExplicitStopNeverReconnects(t *testing.T) {
	srv := simnet.NewServer(simnet.ServerConfig{})
	opts := simOptions(srv, transport.TCP)
	opts.ReconnectDelay = 10 * time.Millisecond
	require.True(t, opts.AutoReconnect)
	tr, rec := newSimTransport(t, transport.TCP, opts)
	establish(t, srv, tr, "S1")

	tr.Stop()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		tr.Update(0)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, rec.stopped)
	assert.Equal(t, transport.StateUnknown, tr.State())
	assert.False(t, tr.IsStarted())
	assert.Len(t, srv.Dials(), 1)
}
