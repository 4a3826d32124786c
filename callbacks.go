package sessionnet

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

// callbacksFor returns the transport callbacks that feed this session. They
// run inside transport.Update, which Session.Update calls without holding the
// session lock.
func (s *Session) callbacksFor() transport.Callbacks {
	return transport.Callbacks{
		Started:           s.onTransportStarted,
		Stopped:           s.onTransportStopped,
		Received:          s.onReceived,
		ConnectionFailed:  s.onConnectionFailed,
		ConnectionTimeout: s.onConnectionTimeout,
		Disconnected:      s.onDisconnected,
		Error:             s.onTransportError,
		NeedSessionID:     s.onNeedSessionID,
		SessionID:         s.onSessionID,
	}
}

func (s *Session) onTransportStarted(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transportEventLocked(t.Protocol(), TransportStarted)
	s.flushUnsentLocked()
	s.redirectProgressLocked()
}

func (s *Session) onTransportStopped(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transportEventLocked(t.Protocol(), TransportStopped)
	if s.probing == t {
		s.probing = nil
		s.reprobeLocked()
	}
	if r := s.redirect; r != nil {
		delete(r.stopping, t)
		if (r.phase == redirectConnecting || r.phase == redirectWaitReply) && s.transports[t.Protocol()] == t {
			s.failRedirectLocked("transport " + t.Protocol().String() + " stopped")
			return
		}
		s.redirectProgressLocked()
		return
	}
	if s.started && s.allStoppedLocked() {
		s.started = false
		s.sessionEventLocked(SessionStopped)
	}
}

func (s *Session) onConnectionFailed(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transportEventLocked(t.Protocol(), TransportFailed)
	if s.redirect != nil && s.redirect.phase == redirectConnecting {
		s.failRedirectLocked("transport " + t.Protocol().String() + " failed to connect")
	}
}

func (s *Session) onConnectionTimeout(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportEventLocked(t.Protocol(), TransportTimeout)
}

func (s *Session) onDisconnected(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportEventLocked(t.Protocol(), TransportDisconnected)
}

func (s *Session) onTransportError(t *transport.Transport, err *transport.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger("onTransportError").WithFields(logrus.Fields{
		"protocol": t.Protocol().String(),
		"kind":     err.Kind.String(),
	}).Error(err.Error())
	s.transportErrorLocked(t.Protocol(), err)
}

// onNeedSessionID lets one transport at a time ask the server for a session
// id; the others wait and are bound once it arrives.
func (s *Session) onNeedSessionID(t *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sid != "" {
		t.SetSessionID(s.sid)
		return
	}
	if s.probing != nil && s.probing != t && s.probing.State() == transport.StateWaitForSessionID {
		s.logger("onNeedSessionID").WithFields(logrus.Fields{
			"protocol": t.Protocol().String(),
			"probing":  s.probing.Protocol().String(),
		}).Debug("Waiting for session id from another transport")
		return
	}
	s.probing = t
	t.SendBootstrap()
}

// reprobeLocked hands the session id request to another waiting transport.
func (s *Session) reprobeLocked() {
	if s.sid != "" {
		return
	}
	for _, t := range s.transportListLocked() {
		if t.State() == transport.StateWaitForSessionID {
			s.probing = t
			t.SendBootstrap()
			return
		}
	}
}

// onSessionID records a server-assigned session id and binds every other
// transport to it.
func (s *Session) onSessionID(t *transport.Transport, sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSessionIDLocked(sid)
}

func (s *Session) setSessionIDLocked(sid string) {
	if sid == s.sid {
		return
	}
	old := s.sid
	s.sid = sid
	s.probing = nil

	entry := s.logger("setSessionID").WithField("session_id", sid)
	if old == "" {
		entry.Info("Session opened")
		s.sessionEventLocked(SessionOpened)
	} else {
		entry.WithField("old_session_id", old).Info("Session changed")
		s.sessionEventLocked(SessionChanged)
	}

	for _, other := range s.transportListLocked() {
		other.SetSessionID(sid)
	}
	s.flushUnsentLocked()
}

// onReceived routes an inbound message: session control types are consumed
// here, everything else goes to the registered handler.
func (s *Session) onReceived(t *transport.Transport, m *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelRepliesLocked(m.Type)

	switch m.Type {
	case message.TypeSessionOpened:
		s.logger("onReceived").WithField("session_id", m.SID).Debug("Server confirmed session")
		return
	case message.TypeSessionClosed:
		s.closeSessionLocked()
		return
	case message.TypeRedirect:
		s.startRedirectLocked(t, m)
		return
	case message.TypeRedirectConnect:
		s.redirectReplyLocked(m)
		return
	}

	handler, ok := s.handlers[m.Type]
	if !ok {
		s.logger("onReceived").WithFields(logrus.Fields{
			"msg_type": m.Type,
			"protocol": t.Protocol().String(),
		}).Debug("No handler registered")
		return
	}
	msgType, body := m.Type, m.Payload
	s.notes = append(s.notes, func() { handler(msgType, body) })
}

// closeSessionLocked forgets the session after the server closed it and stops
// every transport.
func (s *Session) closeSessionLocked() {
	s.logger("closeSession").WithField("session_id", s.sid).Info("Server closed session")
	s.sessionEventLocked(SessionClosed)
	s.sid = ""
	s.probing = nil
	s.unsent = nil
	s.toStart = nil
	for _, t := range s.transports {
		t.SetSessionID("")
		t.Stop()
	}
}

func (s *Session) allStoppedLocked() bool {
	for _, t := range s.transports {
		if t.IsStarted() {
			return false
		}
	}
	return true
}
