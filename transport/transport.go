package transport

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/opd-ai/sessionnet/compression"
	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/message"
)

// Callbacks receives transport events. Every callback runs inside Update with
// no transport lock held. Nil callbacks are skipped.
type Callbacks struct {
	// Started fires when the transport reaches StateEstablished.
	Started func(t *Transport)
	// Stopped fires when the transport returns to StateUnknown for good.
	Stopped func(t *Transport)
	// Received delivers an application or session-control message.
	Received func(t *Transport, m *message.Message)
	// ConnectionFailed fires when every address has been tried without success.
	ConnectionFailed func(t *Transport)
	// ConnectionTimeout fires when an attempt exceeded ConnectTimeout.
	ConnectionTimeout func(t *Transport)
	// Disconnected fires when an established connection drops.
	Disconnected func(t *Transport)
	// Error reports a failure the transport could not absorb silently.
	Error func(t *Transport, err *Error)
	// NeedSessionID fires when the transport is connected but no session id is
	// known. The owner either calls SendBootstrap or later SetSessionID. When
	// nil the transport sends the bootstrap probe itself.
	NeedSessionID func(t *Transport)
	// SessionID fires when the server assigns a session id on this transport.
	SessionID func(t *Transport, sid string)
}

// event is an I/O completion queued for the next Update.
type event struct {
	gen uint64
	fn  func()
}

// keyMessage is a key-exchange header waiting to be sent once the transport
// is connected.
type keyMessage struct {
	typ    crypto.Type
	header string
}

// Transport is the client side of one physical session channel.
type Transport struct {
	protocol Protocol
	encoding message.Encoding
	kind     LinkKind
	opts     Options
	id       string

	codec      message.Codec
	compressor compression.Compressor
	factory    LinkFactory

	// gen identifies the current connection attempt; completions carrying an
	// older generation are ignored.
	gen   atomic.Uint64
	state atomic.Uint32

	mu         sync.Mutex
	cb         Callbacks
	events     []event
	notes      []func()
	link       Link
	cancelDial context.CancelFunc
	linkUp     bool
	writing    bool
	pending    [][]byte
	inflight   [][]byte

	encryptors  map[crypto.Type]crypto.Encryptor
	sendEnc     crypto.Encryptor
	keyExchange []keyMessage

	reliable bool
	seq      *sequencer
	sid      string
	sentPVER bool

	policy         *reconnector
	retrying       bool
	retryWait      time.Duration
	connectElapsed time.Duration
	pingElapsed    time.Duration
	sinceRecv      time.Duration
	writeElapsed   time.Duration
	lastErr        *Error
}

// New creates a stopped transport for protocol p with body encoding enc.
func New(p Protocol, enc message.Encoding, opts Options) (*Transport, error) {
	if p == ProtocolDefault || p > WebSocket {
		return nil, ErrUnknownProtocol
	}
	if err := opts.validate(p); err != nil {
		return nil, err
	}
	codec, err := message.NewCodec(enc)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		protocol:   p,
		encoding:   enc,
		kind:       KindOf(p),
		opts:       opts,
		id:         uuid.NewString(),
		codec:      codec,
		factory:    opts.LinkFactory,
		encryptors: make(map[crypto.Type]crypto.Encryptor, len(opts.Encryptions)),
	}
	if t.factory == nil {
		t.factory = DefaultLinkFactory
	}
	if opts.Compression != compression.NameNone {
		if t.compressor, err = compression.New(opts.Compression); err != nil {
			return nil, err
		}
	}
	for i, typ := range opts.Encryptions {
		e, err := crypto.New(typ, crypto.Options{ServerPublicKey: opts.ServerPublicKey})
		if err != nil {
			return nil, err
		}
		t.encryptors[typ] = e
		if i == 0 {
			t.sendEnc = e
		}
	}
	t.reliable = opts.SequenceValidation && t.kind == KindStream
	t.seq = newSequencer(t.initialSeq())
	t.policy = newReconnector(opts.Addresses, opts.AutoReconnect, opts.ReconnectDelay)

	t.logger("New").WithFields(logrus.Fields{
		"encoding":  enc.String(),
		"addresses": len(opts.Addresses),
		"reliable":  t.reliable,
	}).Debug("Transport created")
	return t, nil
}

func (t *Transport) initialSeq() uint32 {
	if t.opts.Rand != nil {
		return t.opts.Rand.Uint32()
	}
	return rand.Uint32()
}

// Protocol returns the transport's protocol.
func (t *Transport) Protocol() Protocol { return t.protocol }

// Encoding returns the body encoding.
func (t *Transport) Encoding() message.Encoding { return t.encoding }

// Kind returns the link kind.
func (t *Transport) Kind() LinkKind { return t.kind }

// ID returns the random instance id used in logs.
func (t *Transport) ID() string { return t.id }

// Options returns a copy of the transport options.
func (t *Transport) Options() Options { return t.opts }

// State returns the current connection state.
func (t *Transport) State() State { return State(t.state.Load()) }

// IsEstablished reports whether application messages may be sent.
func (t *Transport) IsEstablished() bool { return t.State() == StateEstablished }

// IsStarted reports whether the transport is connecting, connected or waiting
// to reconnect.
func (t *Transport) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State() != StateUnknown || t.retrying
}

// IsReliable reports whether the reliability protocol is active.
func (t *Transport) IsReliable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reliable
}

// SetReliable enables or disables the reliability protocol. It only takes
// effect on stream protocols.
func (t *Transport) SetReliable(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reliable = on && t.kind == KindStream
}

// SessionID returns the session id known to the transport.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sid
}

// PendingResend returns the number of unacknowledged reliable messages.
func (t *Transport) PendingResend() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seq.pending())
}

// LastError returns the most recent failure, or nil.
func (t *Transport) LastError() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// SetCallbacks replaces the event callbacks.
func (t *Transport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

// SetSessionID informs the transport of the session id. A transport waiting
// for an id binds itself to the session; a different id discards the
// reliability state of the previous session.
func (t *Transport) SetSessionID(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sid != t.sid {
		if t.sid != "" {
			t.logger("SetSessionID").WithFields(logrus.Fields{
				"old_session": t.sid,
				"new_session": sid,
			}).Info("Session changed, resetting reliability state")
			t.seq.reset(t.initialSeq())
		}
		t.sid = sid
	}
	if sid != "" && t.State() == StateWaitForSessionID {
		t.bindLocked()
	}
}

// Start begins connecting to the first address. It never blocks.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateUnknown || t.retrying {
		return ErrAlreadyStarted
	}
	t.lastErr = nil
	t.policy.rewind()
	t.logger("Start").WithField("address", t.policy.current().String()).Info("Starting transport")
	t.connectLocked()
	return nil
}

// Stop tears the connection down. Pending and in-flight frames are discarded;
// unacknowledged reliable messages stay queued for the next connection of the
// same session. Stopped fires on the next Update. Stop is final: AutoReconnect
// only covers connection failures, so call Start again to reconnect.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateUnknown && !t.retrying {
		return
	}
	t.logger("Stop").WithField("state", t.State().String()).Info("Stopping transport")
	t.teardownLocked()
	t.setStateLocked(StateUnknown)
	t.notifyLocked(func(cb Callbacks) {
		if cb.Stopped != nil {
			cb.Stopped(t)
		}
	})
}

// Reconnect drops the current connection, if any, and connects again from the
// first address.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger("Reconnect").Info("Reconnecting transport")
	t.teardownLocked()
	t.policy.rewind()
	t.connectLocked()
}

// Update drains queued I/O completions, advances timers and then invokes the
// callbacks for everything that happened.
func (t *Transport) Update(dt time.Duration) {
	t.mu.Lock()
	events := t.events
	t.events = nil
	for _, ev := range events {
		if ev.gen == t.gen.Load() {
			ev.fn()
		}
	}
	t.tickLocked(dt)
	notes := t.notes
	t.notes = nil
	t.mu.Unlock()

	for _, n := range notes {
		n()
	}
}

// post queues fn for the next Update if gen is still current.
func (t *Transport) post(gen uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.postLocked(gen, fn)
}

func (t *Transport) postLocked(gen uint64, fn func()) bool {
	if gen != t.gen.Load() {
		return false
	}
	t.events = append(t.events, event{gen: gen, fn: fn})
	return true
}

// notifyLocked queues a callback invocation; the callback set is read when the
// notification is dispatched.
func (t *Transport) notifyLocked(fn func(cb Callbacks)) {
	t.notes = append(t.notes, func() {
		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		fn(cb)
	})
}

func (t *Transport) setStateLocked(s State) {
	old := t.State()
	if old == s {
		return
	}
	t.state.Store(uint32(s))
	t.logger("setState").WithFields(logrus.Fields{
		"from": old.String(),
		"to":   s.String(),
	}).Debug("State changed")
}

// connectLocked starts one connection attempt to the policy's current address.
func (t *Transport) connectLocked() {
	gen := t.gen.Inc()
	t.resetConnectionLocked()
	t.setStateLocked(StateConnecting)

	link, err := t.factory(t.protocol, &t.opts)
	if err != nil {
		t.failLocked(ErrorConnect, "create link", err)
		return
	}
	for _, e := range t.encryptors {
		if err := e.Reset(); err != nil {
			t.failLocked(ErrorEncryption, "reset cipher", err)
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.link = link
	t.cancelDial = cancel
	addr := t.policy.current()

	t.logger("connect").WithField("address", addr.String()).Debug("Dialing")
	go func() {
		err := link.Dial(ctx, addr)
		if !t.post(gen, func() { t.onDialedLocked(gen, link, err) }) && err == nil {
			_ = link.Close()
		}
	}()
}

// resetConnectionLocked clears per-connection state before an attempt.
func (t *Transport) resetConnectionLocked() {
	t.pending = nil
	t.inflight = nil
	t.writing = false
	t.linkUp = false
	t.keyExchange = nil
	t.connectElapsed = 0
	t.pingElapsed = 0
	t.sinceRecv = 0
	t.writeElapsed = 0
	t.retrying = false
	t.seq.reconnected()
}

// teardownLocked invalidates the current generation and closes the link.
func (t *Transport) teardownLocked() {
	t.gen.Inc()
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	if t.link != nil {
		_ = t.link.Close()
		t.link = nil
	}
	t.linkUp = false
	t.writing = false
	t.pending = nil
	t.inflight = nil
	t.retrying = false
}

func (t *Transport) onDialedLocked(gen uint64, link Link, err error) {
	if err != nil {
		t.failLocked(ErrorConnect, "dial "+t.policy.current().String(), err)
		return
	}
	t.linkUp = true
	t.logger("onDialed").WithField("address", t.policy.current().String()).Info("Connected")
	go t.readLoop(gen, link)

	if t.kind == KindStream {
		t.setStateLocked(StateHandshaking)
		return
	}
	t.connectedLocked()
}

// handshakePendingLocked reports whether a server-handshake cipher is still
// waiting for its handshake frame.
func (t *Transport) handshakePendingLocked() bool {
	for typ, e := range t.encryptors {
		if crypto.RequiresServerHandshake(typ) && e.State() != crypto.StateEstablished {
			return true
		}
	}
	return false
}

// connectedLocked sends queued key-exchange headers in ascending cipher order
// and asks for, or binds to, the session.
func (t *Transport) connectedLocked() {
	t.setStateLocked(StateConnected)

	for typ, e := range t.encryptors {
		pub, err := e.PublicKey()
		if err != nil {
			t.failLocked(ErrorEncryption, "public key", err)
			return
		}
		if pub != "" {
			t.keyExchange = append(t.keyExchange, keyMessage{typ: typ, header: pub})
		}
	}
	sort.SliceStable(t.keyExchange, func(i, j int) bool {
		return t.keyExchange[i].typ < t.keyExchange[j].typ
	})
	for _, k := range t.keyExchange {
		if err := t.enqueueKeyLocked(k); err != nil {
			t.failLocked(ErrorEncryption, "key exchange", err)
			return
		}
	}
	t.keyExchange = nil

	if t.sid == "" {
		t.setStateLocked(StateWaitForSessionID)
		if t.cb.NeedSessionID != nil {
			t.notifyLocked(func(cb Callbacks) {
				if cb.NeedSessionID != nil {
					cb.NeedSessionID(t)
				}
			})
		} else {
			t.sendBootstrapLocked()
		}
	} else {
		t.bindLocked()
	}
	t.flushLocked()
}

// SendBootstrap sends the empty probe that asks the server for a session id.
func (t *Transport) SendBootstrap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() == StateWaitForSessionID && t.sid == "" {
		t.sendBootstrapLocked()
	}
}

func (t *Transport) sendBootstrapLocked() {
	t.logger("sendBootstrap").Debug("Requesting session id")
	if err := t.enqueueLocked(&message.Message{}); err != nil {
		t.logger("sendBootstrap").WithError(err).Warn("Bootstrap probe failed")
	}
}

// bindLocked attaches a connected transport to the known session. A reliable
// transport with unacknowledged messages first asks the server for its
// receive position.
func (t *Transport) bindLocked() {
	m := &message.Message{SID: t.sid}
	if t.reliable && t.seq.received {
		m.Ack = t.seq.lastRecv + 1
		m.HasAck = true
	}
	if err := t.enqueueLocked(m); err != nil {
		t.logger("bind").WithError(err).Warn("Bind message failed")
	}
	if t.reliable && len(t.seq.pending()) > 0 {
		t.logger("bind").WithField("unacked", len(t.seq.pending())).Info("Waiting for ack")
		t.setStateLocked(StateWaitForAck)
		return
	}
	t.establishLocked()
}

func (t *Transport) establishLocked() {
	t.setStateLocked(StateEstablished)
	t.policy.succeeded()
	t.pingElapsed = 0
	t.sinceRecv = 0
	t.logger("establish").WithField("session_id", t.sid).Info("Transport established")
	t.notifyLocked(func(cb Callbacks) {
		if cb.Started != nil {
			cb.Started(t)
		}
	})
	t.flushLocked()
}

// failLocked is the single failure path. Failures before Established are
// retried according to the reconnect policy; failures after it are reported
// and reconnect only with AutoReconnect. Invalid sequences are always final.
func (t *Transport) failLocked(kind ErrorKind, msg string, err error) {
	e := &Error{Kind: kind, Message: msg, Err: err}
	t.lastErr = e
	prev := t.State()

	entry := t.logger("fail").WithFields(logrus.Fields{
		"kind":  kind.String(),
		"state": prev.String(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(msg)

	t.teardownLocked()

	notifyError := func() {
		t.notifyLocked(func(cb Callbacks) {
			if cb.Error != nil {
				cb.Error(t, e)
			}
		})
	}
	notifyStopped := func() {
		t.notifyLocked(func(cb Callbacks) {
			if cb.Stopped != nil {
				cb.Stopped(t)
			}
		})
	}

	if kind == ErrorInvalidSequence {
		t.setStateLocked(StateUnknown)
		notifyError()
		notifyStopped()
		return
	}

	if prev == StateEstablished {
		t.notifyLocked(func(cb Callbacks) {
			if cb.Disconnected != nil {
				cb.Disconnected(t)
			}
		})
		notifyError()
		if t.opts.AutoReconnect {
			t.policy.succeeded()
			t.scheduleRetryLocked(0)
			return
		}
		t.setStateLocked(StateUnknown)
		notifyStopped()
		return
	}

	if kind == ErrorConnectTimeout {
		t.notifyLocked(func(cb Callbacks) {
			if cb.ConnectionTimeout != nil {
				cb.ConnectionTimeout(t)
			}
		})
	}
	wait, ok := t.policy.failed()
	if !ok {
		t.logger("fail").Error("All addresses failed")
		t.setStateLocked(StateUnknown)
		t.notifyLocked(func(cb Callbacks) {
			if cb.ConnectionFailed != nil {
				cb.ConnectionFailed(t)
			}
		})
		notifyStopped()
		return
	}
	t.scheduleRetryLocked(wait)
}

func (t *Transport) scheduleRetryLocked(wait time.Duration) {
	t.setStateLocked(StateConnecting)
	t.retrying = true
	t.retryWait = wait
	t.logger("scheduleRetry").WithFields(logrus.Fields{
		"wait":    wait.String(),
		"address": t.policy.current().String(),
	}).Info("Reconnect scheduled")
}

// tickLocked advances the transport's timers by dt.
func (t *Transport) tickLocked(dt time.Duration) {
	if t.retrying {
		t.retryWait -= dt
		if t.retryWait <= 0 {
			t.connectLocked()
		}
		return
	}

	if t.kind == KindRequest && t.writing && t.opts.RequestTimeout > 0 {
		t.writeElapsed += dt
		if t.writeElapsed >= t.opts.RequestTimeout {
			t.failLocked(ErrorRequestTimeout, "request timed out", nil)
			return
		}
	}

	switch t.State() {
	case StateConnecting, StateHandshaking:
		if t.opts.ConnectTimeout > 0 {
			t.connectElapsed += dt
			if t.connectElapsed >= t.opts.ConnectTimeout {
				t.failLocked(ErrorConnectTimeout, "connect timed out", nil)
			}
		}
	case StateWaitForAck, StateEstablished:
		if t.kind != KindStream {
			return
		}
		if t.opts.PingTimeout > 0 {
			t.sinceRecv += dt
			if t.sinceRecv >= t.opts.PingTimeout {
				t.failLocked(ErrorReceive, "no traffic within ping timeout", nil)
				return
			}
		}
		if t.State() == StateEstablished && t.opts.PingInterval > 0 {
			t.pingElapsed += dt
			if t.pingElapsed >= t.opts.PingInterval {
				t.pingElapsed = 0
				t.sendPingLocked()
			}
		}
	}
}
