package sessionnet

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

// DefaultRedirectTimeout bounds a whole redirect, from the server's request to
// the token reply.
const DefaultRedirectTimeout = 10 * time.Second

var (
	// ErrNoTransport is returned when a message names a protocol the session
	// has not connected.
	ErrNoTransport = errors.New("no transport for protocol")
	// ErrNoHost is returned by New when no server host is given.
	ErrNoHost = errors.New("server host required")
)

// Options contains configuration options for creating a Session.
type Options struct {
	// Reliable enables sequence/ack delivery on stream transports.
	Reliable bool
	// DefaultProtocol is used when SendMessage names no protocol. Unset picks
	// the first connected protocol.
	DefaultProtocol transport.Protocol
	// RedirectTimeout bounds a redirect; zero uses DefaultRedirectTimeout.
	RedirectTimeout time.Duration
	// Rand seeds initial sequence numbers; nil uses the global source.
	Rand *rand.Rand
	// Logger receives the session's and its transports' logs; nil uses the
	// standard logrus logger.
	Logger *logrus.Logger
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		DefaultProtocol: transport.ProtocolDefault,
		RedirectTimeout: DefaultRedirectTimeout,
	}
}

// outbound is a message waiting in the unsent queue.
type outbound struct {
	protocol transport.Protocol
	msg      *message.Message
}

// Session is the client side of one logical server session. It owns at most
// one transport per protocol and routes messages between them and the
// application. All callbacks run inside Update.
type Session struct {
	host string
	opts Options

	mu          sync.Mutex
	transports  map[transport.Protocol]*transport.Transport
	topts       map[transport.Protocol]transport.Options
	defaultProt transport.Protocol
	toStart     []transport.Protocol

	sid     string
	started bool
	probing *transport.Transport

	unsent    []outbound
	expected  []*expectedReply
	responses map[string]time.Duration

	handlers map[string]Handler
	notes    []func()
	redirect *redirectState

	sessionEventCallback    SessionEventCallback
	transportEventCallback  TransportEventCallback
	transportErrorCallback  TransportErrorCallback
	responseTimeoutCallback ResponseTimeoutCallback
	optionsResolver         TransportOptionsResolver
}

// New creates an unconnected session for the server at host.
func New(host string, options *Options) (*Session, error) {
	if host == "" {
		return nil, ErrNoHost
	}
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if opts.RedirectTimeout <= 0 {
		opts.RedirectTimeout = DefaultRedirectTimeout
	}

	s := &Session{
		host:        host,
		opts:        opts,
		transports:  make(map[transport.Protocol]*transport.Transport),
		topts:       make(map[transport.Protocol]transport.Options),
		defaultProt: transport.ProtocolDefault,
		responses:   make(map[string]time.Duration),
		handlers:    make(map[string]Handler),
	}
	s.logger("New").WithFields(logrus.Fields{
		"host":     host,
		"reliable": opts.Reliable,
	}).Info("Session created")
	return s, nil
}

func (s *Session) logger(function string) *logrus.Entry {
	base := logrus.StandardLogger()
	if s.opts.Logger != nil {
		base = s.opts.Logger
	}
	return base.WithFields(logrus.Fields{
		"package":  "sessionnet",
		"function": function,
	})
}

// Connect attaches a transport for protocol and schedules its connection for
// the next Update. opts may be nil for protocol defaults; addresses without a
// port use port, and an empty address list targets the session host.
// Connecting a protocol that is already attached restarts it if stopped.
func (s *Session) Connect(protocol transport.Protocol, encoding message.Encoding, port uint16, opts *transport.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transports[protocol]; ok {
		if !t.IsStarted() && !lo.Contains(s.toStart, protocol) {
			s.toStart = append(s.toStart, protocol)
		}
		return nil
	}

	o := transport.DefaultOptions(protocol)
	if opts != nil {
		o = *opts
	}
	o.Addresses = s.resolveAddresses(o.Addresses, port)
	_, err := s.attachLocked(protocol, encoding, o)
	return err
}

// resolveAddresses fills in the session host and the given port.
func (s *Session) resolveAddresses(addrs []transport.Address, port uint16) []transport.Address {
	if len(addrs) == 0 {
		return []transport.Address{{Host: s.host, Port: port}}
	}
	return lo.Map(addrs, func(a transport.Address, _ int) transport.Address {
		if a.Host == "" {
			a.Host = s.host
		}
		if a.Port == 0 {
			a.Port = port
		}
		return a
	})
}

// attachLocked creates the transport for protocol and queues its start.
func (s *Session) attachLocked(protocol transport.Protocol, encoding message.Encoding, o transport.Options) (*transport.Transport, error) {
	o.SequenceValidation = o.SequenceValidation || s.opts.Reliable
	if o.Rand == nil {
		o.Rand = s.opts.Rand
	}
	if o.Logger == nil {
		o.Logger = s.opts.Logger
	}

	t, err := transport.New(protocol, encoding, o)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", protocol, err)
	}
	if s.sid != "" {
		t.SetSessionID(s.sid)
	}
	t.SetCallbacks(s.callbacksFor())
	s.transports[protocol] = t
	s.topts[protocol] = o
	s.toStart = append(s.toStart, protocol)
	if s.defaultProt == transport.ProtocolDefault || protocol == s.opts.DefaultProtocol {
		s.defaultProt = protocol
	}

	s.logger("Connect").WithFields(logrus.Fields{
		"protocol":  protocol.String(),
		"encoding":  encoding.String(),
		"addresses": len(o.Addresses),
		"reliable":  t.IsReliable(),
	}).Info("Transport attached")
	return t, nil
}

// Stop stops every transport. SessionStopped fires once they have all
// stopped. The session id is kept, so a later Connect resumes the session.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger("Stop").WithField("transports", len(s.transports)).Info("Stopping session")
	s.toStart = nil
	for _, t := range s.transports {
		t.Stop()
	}
}

// StopTransport stops the transport for protocol, if any.
func (s *Session) StopTransport(protocol transport.Protocol) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.toStart = lo.Filter(s.toStart, func(p transport.Protocol, _ int) bool { return p != protocol })
	if t, ok := s.transports[protocol]; ok {
		t.Stop()
	}
}

// Update starts scheduled transports, drives every transport by dt, advances
// the session timers and then invokes the callbacks for everything that
// happened. It must be called periodically from one goroutine.
func (s *Session) Update(dt time.Duration) {
	s.mu.Lock()
	starting := lo.Map(s.toStart, func(p transport.Protocol, _ int) *transport.Transport {
		return s.transports[p]
	})
	s.toStart = nil
	for _, t := range starting {
		if t == nil || t.IsStarted() {
			continue
		}
		if err := t.Start(); err != nil {
			s.logger("Update").WithError(err).WithField("protocol", t.Protocol().String()).Warn("Transport start failed")
			continue
		}
		s.started = true
	}
	transports := s.transportListLocked()
	s.mu.Unlock()

	for _, t := range transports {
		t.Update(dt)
	}

	s.mu.Lock()
	s.tickRepliesLocked(dt)
	s.tickRedirectLocked(dt)
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()

	for _, n := range notes {
		n()
	}
}

// transportListLocked returns the transports in protocol order.
func (s *Session) transportListLocked() []*transport.Transport {
	list := lo.Values(s.transports)
	sort.Slice(list, func(i, j int) bool { return list[i].Protocol() < list[j].Protocol() })
	return list
}

// SessionID returns the server-assigned session id, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Started reports whether any transport has been started and not every
// transport has stopped since.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Connected reports whether the session has an id and an established
// transport.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sid == "" {
		return false
	}
	for _, t := range s.transports {
		if t.IsEstablished() {
			return true
		}
	}
	return false
}

// HasTransport reports whether a transport is attached for protocol.
func (s *Session) HasTransport(protocol transport.Protocol) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transports[protocol]
	return ok
}

// GetTransport returns the transport attached for protocol, or nil.
func (s *Session) GetTransport(protocol transport.Protocol) *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[protocol]
}

// DefaultProtocol returns the protocol used when SendMessage names none.
func (s *Session) DefaultProtocol() transport.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultProt
}

// IsRedirecting reports whether a redirect is in progress.
func (s *Session) IsRedirecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirect != nil
}

// RegisterHandler sets the handler for msgType, replacing any previous one.
// A nil handler removes it.
func (s *Session) RegisterHandler(msgType string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handler == nil {
		delete(s.handlers, msgType)
		return
	}
	s.handlers[msgType] = handler
}

// OnSessionEvent sets the callback for session events.
func (s *Session) OnSessionEvent(callback SessionEventCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionEventCallback = callback
}

// OnTransportEvent sets the callback for transport lifecycle events.
func (s *Session) OnTransportEvent(callback TransportEventCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportEventCallback = callback
}

// OnTransportError sets the callback for transport failures.
func (s *Session) OnTransportError(callback TransportErrorCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportErrorCallback = callback
}

// OnResponseTimeout sets the callback for expired SetResponseTimeout entries.
func (s *Session) OnResponseTimeout(callback ResponseTimeoutCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimeoutCallback = callback
}

// OnTransportOptions sets the resolver consulted for redirect targets.
func (s *Session) OnTransportOptions(resolver TransportOptionsResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optionsResolver = resolver
}

// sessionEventLocked queues a session event. Events raised during a redirect
// are dropped.
func (s *Session) sessionEventLocked(ev SessionEvent) {
	if s.redirect != nil {
		s.logger("sessionEvent").WithField("event", ev.String()).Debug("Event swallowed during redirect")
		return
	}
	s.forceSessionEventLocked(ev)
}

func (s *Session) forceSessionEventLocked(ev SessionEvent) {
	sid := s.sid
	s.logger("sessionEvent").WithFields(logrus.Fields{
		"event":      ev.String(),
		"session_id": sid,
	}).Info("Session event")
	s.notes = append(s.notes, func() {
		s.mu.Lock()
		cb := s.sessionEventCallback
		s.mu.Unlock()
		if cb != nil {
			cb(ev, sid)
		}
	})
}

func (s *Session) transportEventLocked(p transport.Protocol, ev TransportEvent) {
	if s.redirect != nil {
		s.logger("transportEvent").WithFields(logrus.Fields{
			"protocol": p.String(),
			"event":    ev.String(),
		}).Debug("Event swallowed during redirect")
		return
	}
	s.notes = append(s.notes, func() {
		s.mu.Lock()
		cb := s.transportEventCallback
		s.mu.Unlock()
		if cb != nil {
			cb(p, ev)
		}
	})
}

func (s *Session) transportErrorLocked(p transport.Protocol, err *transport.Error) {
	if s.redirect != nil {
		return
	}
	s.notes = append(s.notes, func() {
		s.mu.Lock()
		cb := s.transportErrorCallback
		s.mu.Unlock()
		if cb != nil {
			cb(p, err)
		}
	})
}
