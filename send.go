package sessionnet

import (
	"errors"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/message"
	"github.com/opd-ai/sessionnet/transport"
)

// ReplyTimeoutCallback fires when the reply to a sent message did not arrive
// in time. msgType is the type of the message that was sent.
type ReplyTimeoutCallback func(msgType string)

// expectedReply tracks one WithExpectedReply registration.
type expectedReply struct {
	msgType   string
	replyType string
	remaining time.Duration
	callback  ReplyTimeoutCallback
}

type sendOptions struct {
	protocol transport.Protocol
	ordered  bool
	reply    *expectedReply
}

// SendOption customizes one SendMessage call.
type SendOption func(*sendOptions)

// WithProtocol sends over protocol instead of the default transport.
func WithProtocol(protocol transport.Protocol) SendOption {
	return func(o *sendOptions) { o.protocol = protocol }
}

// WithOrdering stamps a sequence number even when the session is not
// reliable.
func WithOrdering() SendOption {
	return func(o *sendOptions) { o.ordered = true }
}

// WithExpectedReply expects a message of replyType within timeout. callback
// runs once if it does not arrive in time.
func WithExpectedReply(replyType string, timeout time.Duration, callback ReplyTimeoutCallback) SendOption {
	return func(o *sendOptions) {
		o.reply = &expectedReply{replyType: replyType, remaining: timeout, callback: callback}
	}
}

// SendMessage sends msgType with payload. payload may be nil, []byte or
// json.RawMessage (passed through), a proto.Message on protobuf transports,
// or any value JSON can marshal on JSON transports.
//
// Messages go out immediately when their transport is established and
// nothing is queued ahead of them; otherwise they wait in the unsent queue
// until the session id is known and the transport is established.
func (s *Session) SendMessage(msgType string, payload any, opts ...SendOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so := sendOptions{protocol: s.defaultProt}
	for _, opt := range opts {
		opt(&so)
	}
	t, ok := s.transports[so.protocol]
	if !ok {
		s.logger("SendMessage").WithFields(logrus.Fields{
			"msg_type": msgType,
			"protocol": so.protocol.String(),
		}).Warn("No transport for message, dropping")
		return ErrNoTransport
	}

	body, err := message.EncodePayload(t.Encoding(), payload)
	if err != nil {
		return err
	}
	m := &message.Message{Type: msgType, Payload: body, HasSeq: so.ordered}

	if so.reply != nil {
		so.reply.msgType = msgType
		s.expected = append(s.expected, so.reply)
	}

	if s.canSendLocked(t) {
		err := t.Send(m)
		if !errors.Is(err, transport.ErrNotEstablished) {
			return err
		}
	}

	s.unsent = append(s.unsent, outbound{protocol: so.protocol, msg: m})
	s.logger("SendMessage").WithFields(logrus.Fields{
		"msg_type": msgType,
		"protocol": so.protocol.String(),
		"queued":   len(s.unsent),
	}).Debug("Message queued until the transport is ready")
	return nil
}

// canSendLocked reports whether a new message for t may bypass the unsent
// queue.
func (s *Session) canSendLocked(t *transport.Transport) bool {
	if s.redirect != nil || s.sid == "" || !t.IsEstablished() {
		return false
	}
	return !s.opts.Reliable || !s.hasUnsentLocked(t.Protocol())
}

func (s *Session) hasUnsentLocked(p transport.Protocol) bool {
	return lo.ContainsBy(s.unsent, func(o outbound) bool { return o.protocol == p })
}

// flushUnsentLocked hands queued messages to their transports in queue
// order. A protocol whose transport is not ready keeps all of its messages.
func (s *Session) flushUnsentLocked() {
	if s.redirect != nil || s.sid == "" || len(s.unsent) == 0 {
		return
	}
	blocked := make(map[transport.Protocol]bool)
	kept := s.unsent[:0]
	sent := 0
	for _, o := range s.unsent {
		t := s.transports[o.protocol]
		if t == nil {
			s.logger("flushUnsent").WithField("msg_type", o.msg.Type).Warn("Transport gone, dropping queued message")
			continue
		}
		if blocked[o.protocol] || !t.IsEstablished() {
			blocked[o.protocol] = true
			kept = append(kept, o)
			continue
		}
		if err := t.Send(o.msg); err != nil {
			if errors.Is(err, transport.ErrNotEstablished) {
				blocked[o.protocol] = true
				kept = append(kept, o)
				continue
			}
			s.logger("flushUnsent").WithError(err).WithField("msg_type", o.msg.Type).Warn("Queued message dropped")
			continue
		}
		sent++
	}
	s.unsent = kept
	if sent > 0 {
		s.logger("flushUnsent").WithFields(logrus.Fields{
			"sent":      sent,
			"remaining": len(kept),
		}).Debug("Unsent queue flushed")
	}
}

// SetResponseTimeout expects a message of msgType within d. When it does not
// arrive the OnResponseTimeout callback fires once. Calling it again for the
// same type rearms the timer; d <= 0 removes it.
func (s *Session) SetResponseTimeout(msgType string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.responses, msgType)
		return
	}
	s.responses[msgType] = d
}

// cancelRepliesLocked clears the expectations satisfied by msgType.
func (s *Session) cancelRepliesLocked(msgType string) {
	delete(s.responses, msgType)
	for i, r := range s.expected {
		if r.replyType == msgType {
			s.expected = append(s.expected[:i], s.expected[i+1:]...)
			return
		}
	}
}

// tickRepliesLocked advances the reply timers and queues expired callbacks.
func (s *Session) tickRepliesLocked(dt time.Duration) {
	for msgType, left := range s.responses {
		left -= dt
		if left > 0 {
			s.responses[msgType] = left
			continue
		}
		delete(s.responses, msgType)
		s.logger("tickReplies").WithField("msg_type", msgType).Warn("Response timed out")
		mt := msgType
		s.notes = append(s.notes, func() {
			s.mu.Lock()
			cb := s.responseTimeoutCallback
			s.mu.Unlock()
			if cb != nil {
				cb(mt)
			}
		})
	}

	var expired []*expectedReply
	s.expected = lo.Filter(s.expected, func(r *expectedReply, _ int) bool {
		r.remaining -= dt
		if r.remaining > 0 {
			return true
		}
		expired = append(expired, r)
		return false
	})
	for _, r := range expired {
		s.logger("tickReplies").WithFields(logrus.Fields{
			"msg_type":   r.msgType,
			"reply_type": r.replyType,
		}).Warn("Reply timed out")
		if r.callback != nil {
			cb, mt := r.callback, r.msgType
			s.notes = append(s.notes, func() { cb(mt) })
		}
	}
}
