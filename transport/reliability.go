package transport

import (
	"github.com/samber/lo"

	"github.com/opd-ai/sessionnet/message"
)

// SeqLess reports whether x precedes y in 32-bit serial number arithmetic.
// SeqLess(0xFFFFFFFF, 1) is true.
func SeqLess(x, y uint32) bool {
	return int32(y-x) > 0
}

// seqVerdict is the outcome of validating an inbound sequence number.
type seqVerdict uint8

const (
	seqAccepted seqVerdict = iota
	seqStale
	seqGap
)

// sequencer holds the reliability state of one transport: the outbound
// counter, the resend queue and the last accepted inbound sequence.
type sequencer struct {
	next     uint32
	resend   []*message.Message
	lastRecv uint32
	// seeded is cleared on every (re)connect; the first inbound sequence
	// after a connect is accepted unconditionally.
	seeded bool
	// received records whether lastRecv has ever been set in this session.
	received bool
}

func newSequencer(initial uint32) *sequencer {
	return &sequencer{next: initial}
}

// stamp assigns the next outbound sequence number to m.
func (s *sequencer) stamp(m *message.Message) {
	m.Seq = s.next
	m.HasSeq = true
	s.next++
}

// track appends a copy of m to the resend queue.
func (s *sequencer) track(m *message.Message) {
	s.resend = append(s.resend, m.Clone())
}

// acknowledge drops every queued message the peer has confirmed with ack and
// returns the number dropped.
func (s *sequencer) acknowledge(ack uint32) int {
	before := len(s.resend)
	s.resend = lo.Filter(s.resend, func(m *message.Message, _ int) bool {
		return !SeqLess(m.Seq, ack)
	})
	return before - len(s.resend)
}

// pending returns the unacknowledged messages in send order.
func (s *sequencer) pending() []*message.Message {
	return s.resend
}

// accept validates an inbound sequence number.
func (s *sequencer) accept(seq uint32) seqVerdict {
	if !s.seeded {
		s.seeded = true
		s.received = true
		s.lastRecv = seq
		return seqAccepted
	}
	if seq == s.lastRecv+1 {
		s.lastRecv = seq
		return seqAccepted
	}
	if !SeqLess(s.lastRecv, seq) {
		return seqStale
	}
	return seqGap
}

// reconnected marks the start of a new connection.
func (s *sequencer) reconnected() {
	s.seeded = false
}

// reset discards all state of the previous session.
func (s *sequencer) reset(initial uint32) {
	s.next = initial
	s.resend = nil
	s.lastRecv = 0
	s.seeded = false
	s.received = false
}
