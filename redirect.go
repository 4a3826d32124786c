package sessionnet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

// RedirectResultOK is the result the server sends for an accepted token.
const RedirectResultOK = "ok"

type redirectPhase uint8

const (
	// redirectStopping waits for the old transports to stop.
	redirectStopping redirectPhase = iota
	// redirectConnecting waits for every new transport to be established.
	redirectConnecting
	// redirectWaitReply waits for the server's answer to the token.
	redirectWaitReply
	// redirectAborting waits for the transports to stop after a failure.
	redirectAborting
)

func (p redirectPhase) String() string {
	switch p {
	case redirectStopping:
		return "stopping"
	case redirectConnecting:
		return "connecting"
	case redirectWaitReply:
		return "wait_reply"
	case redirectAborting:
		return "aborting"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// redirectPort is one target transport of a redirect request.
type redirectPort struct {
	Protocol string `json:"protocol"`
	Encoding string `json:"encoding"`
	Port     uint16 `json:"port"`
}

// redirectRequest is the payload of a server redirect message.
type redirectRequest struct {
	Host   string         `json:"host"`
	Token  string         `json:"token"`
	Flavor string         `json:"flavor"`
	Ports  []redirectPort `json:"ports"`
}

// redirectConnect is the token message sent to the new servers.
type redirectConnect struct {
	Token string `json:"token"`
}

// redirectResult is the servers' answer to the token.
type redirectResult struct {
	Result string `json:"result"`
}

type redirectTarget struct {
	protocol transport.Protocol
	encoding message.Encoding
	port     uint16
}

type redirectState struct {
	phase   redirectPhase
	host    string
	token   string
	flavor  string
	targets []redirectTarget
	elapsed time.Duration
	reason  string

	// stopping holds the transports whose Stopped event is still due.
	stopping map[*transport.Transport]bool
}

// parseRedirect validates a redirect payload.
func parseRedirect(payload []byte) (*redirectState, error) {
	var req redirectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode redirect: %w", err)
	}
	if req.Host == "" {
		return nil, fmt.Errorf("redirect without host")
	}
	if len(req.Ports) == 0 {
		return nil, fmt.Errorf("redirect without ports")
	}

	r := &redirectState{
		host:     req.Host,
		token:    req.Token,
		flavor:   req.Flavor,
		stopping: make(map[*transport.Transport]bool),
	}
	seen := make(map[transport.Protocol]bool)
	for _, p := range req.Ports {
		protocol, err := transport.ParseProtocol(p.Protocol)
		if err != nil {
			return nil, err
		}
		if seen[protocol] {
			return nil, fmt.Errorf("redirect names %s twice", protocol)
		}
		seen[protocol] = true
		encoding, err := message.ParseEncoding(p.Encoding)
		if err != nil {
			return nil, err
		}
		r.targets = append(r.targets, redirectTarget{protocol: protocol, encoding: encoding, port: p.Port})
	}
	return r, nil
}

// startRedirectLocked begins moving the session to the servers named in m.
func (s *Session) startRedirectLocked(from *transport.Transport, m *message.Message) {
	if s.redirect != nil {
		s.logger("startRedirect").WithField("phase", s.redirect.phase.String()).Warn("Redirect already in progress, ignoring")
		return
	}
	r, err := parseRedirect(m.Payload)
	if err != nil {
		s.logger("startRedirect").WithError(err).Warn("Invalid redirect request")
		s.forceSessionEventLocked(RedirectFailed)
		s.redirectErrorLocked(from.Protocol(), err.Error())
		return
	}

	s.logger("startRedirect").WithFields(logrus.Fields{
		"host":    r.host,
		"flavor":  r.flavor,
		"targets": len(r.targets),
	}).Info("Redirect started")
	s.forceSessionEventLocked(RedirectStarted)
	s.redirect = r

	s.sid = ""
	s.probing = nil
	s.stopAllLocked()
	s.redirectProgressLocked()
}

// stopAllLocked stops every transport and records which ones still owe a
// Stopped event.
func (s *Session) stopAllLocked() {
	s.toStart = nil
	for _, t := range s.transports {
		if t.IsStarted() {
			s.redirect.stopping[t] = true
		}
		t.SetSessionID("")
		t.Stop()
	}
}

// redirectProgressLocked advances the redirect as far as the transports allow.
func (s *Session) redirectProgressLocked() {
	r := s.redirect
	if r == nil {
		return
	}
	switch r.phase {
	case redirectStopping:
		if len(r.stopping) > 0 {
			return
		}
		if err := s.replaceTransportsLocked(); err != nil {
			s.failRedirectLocked(err.Error())
			return
		}
		r.phase = redirectConnecting
	case redirectConnecting:
		established := len(s.transports) > 0 && lo.EveryBy(s.transportListLocked(), func(t *transport.Transport) bool {
			return t.IsEstablished()
		})
		if !established {
			return
		}
		if err := s.sendRedirectTokenLocked(); err != nil {
			s.failRedirectLocked(err.Error())
			return
		}
		r.phase = redirectWaitReply
	case redirectAborting:
		if len(r.stopping) > 0 {
			return
		}
		s.finishRedirectLocked(false)
	}
}

// replaceTransportsLocked discards the old transports and attaches one per
// redirect target.
func (s *Session) replaceTransportsLocked() error {
	r := s.redirect
	s.transports = make(map[transport.Protocol]*transport.Transport)
	protocols := lo.Map(r.targets, func(t redirectTarget, _ int) transport.Protocol { return t.protocol })
	s.defaultProt = lo.Ternary(lo.Contains(protocols, s.opts.DefaultProtocol), s.opts.DefaultProtocol, protocols[0])

	for _, target := range r.targets {
		var o transport.Options
		var resolved *transport.Options
		if s.optionsResolver != nil {
			resolved = s.optionsResolver(r.flavor, target.protocol)
		}
		if resolved != nil {
			o = *resolved
		} else if prev, ok := s.topts[target.protocol]; ok {
			o = prev
		} else {
			o = transport.DefaultOptions(target.protocol)
		}
		o.Addresses = []transport.Address{{Host: r.host, Port: target.port}}
		if _, err := s.attachLocked(target.protocol, target.encoding, o); err != nil {
			return err
		}
	}
	s.logger("replaceTransports").WithFields(logrus.Fields{
		"host":     r.host,
		"default":  s.defaultProt.String(),
		"attached": len(s.transports),
	}).Info("Redirect transports attached")
	return nil
}

func (s *Session) sendRedirectTokenLocked() error {
	t := s.transports[s.defaultProt]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNoTransport, s.defaultProt)
	}
	payload, err := json.Marshal(redirectConnect{Token: s.redirect.token})
	if err != nil {
		return err
	}
	s.logger("sendRedirectToken").WithField("protocol", s.defaultProt.String()).Debug("Sending redirect token")
	return t.Send(&message.Message{Type: message.TypeRedirectConnect, Payload: payload})
}

// redirectReplyLocked handles the servers' answer to the token.
func (s *Session) redirectReplyLocked(m *message.Message) {
	r := s.redirect
	if r == nil || r.phase != redirectWaitReply {
		s.logger("redirectReply").Warn("Unexpected redirect reply")
		return
	}
	var res redirectResult
	if err := json.Unmarshal(m.Payload, &res); err != nil {
		s.failRedirectLocked("decode redirect reply: " + err.Error())
		return
	}
	if !strings.EqualFold(res.Result, RedirectResultOK) {
		s.failRedirectLocked("token rejected: " + res.Result)
		return
	}
	s.finishRedirectLocked(true)
}

// failRedirectLocked stops everything; RedirectFailed fires once the
// transports are down.
func (s *Session) failRedirectLocked(reason string) {
	r := s.redirect
	if r == nil || r.phase == redirectAborting {
		return
	}
	s.logger("failRedirect").WithFields(logrus.Fields{
		"phase":  r.phase.String(),
		"reason": reason,
	}).Warn("Redirect failed")
	r.phase = redirectAborting
	r.reason = reason
	s.sid = ""
	s.probing = nil
	s.stopAllLocked()
	s.redirectProgressLocked()
}

func (s *Session) finishRedirectLocked(ok bool) {
	r := s.redirect
	s.redirect = nil
	if ok {
		s.logger("finishRedirect").WithField("session_id", s.sid).Info("Redirect succeeded")
		s.forceSessionEventLocked(RedirectSucceeded)
		s.flushUnsentLocked()
		return
	}
	s.started = false
	s.unsent = nil
	s.forceSessionEventLocked(RedirectFailed)
	s.redirectErrorLocked(s.defaultProt, r.reason)
}

func (s *Session) redirectErrorLocked(p transport.Protocol, reason string) {
	s.transportErrorLocked(p, &transport.Error{Kind: transport.ErrorRedirect, Message: reason})
}

// tickRedirectLocked enforces the redirect timeout.
func (s *Session) tickRedirectLocked(dt time.Duration) {
	r := s.redirect
	if r == nil || r.phase == redirectAborting {
		return
	}
	r.elapsed += dt
	if r.elapsed >= s.opts.RedirectTimeout {
		s.failRedirectLocked("redirect timed out")
	}
}
