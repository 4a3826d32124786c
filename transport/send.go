package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/compression"
	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/frame"
	"github.com/opd-ai/sessionnet/limits"
	"github.com/opd-ai/sessionnet/message"
)

// errCipher marks serialization failures caused by the cipher.
var errCipher = errors.New("cipher failure")

// pingPayload is the body of keep-alive pings.
type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Send queues an application message. The transport takes ownership of m and
// stamps the session id and, when reliable or when m.HasSeq requests ordering,
// the next sequence number. It fails with ErrNotEstablished unless the
// transport is established.
func (t *Transport) Send(m *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateEstablished {
		return ErrNotEstablished
	}
	if m.SID == "" {
		m.SID = t.sid
	}
	// The sequence number is only consumed once the message serializes.
	next, oldSeq, hadSeq := t.seq.next, m.Seq, m.HasSeq
	stamped := t.reliable || m.HasSeq
	if stamped {
		t.seq.stamp(m)
	}

	data, err := t.serializeLocked(m)
	if err != nil {
		if stamped {
			t.seq.next = next
			m.Seq, m.HasSeq = oldSeq, hadSeq
		}
		if errors.Is(err, errCipher) {
			t.failLocked(ErrorEncryption, "encrypt message", err)
		}
		return err
	}

	if t.reliable {
		t.seq.track(m)
	}

	t.logger("Send").WithFields(logrus.Fields{
		"msg_type": m.Type,
		"seq":      m.Seq,
		"bytes":    len(data),
	}).Debug("Message queued")
	t.pending = append(t.pending, data)
	t.flushLocked()
	return nil
}

// enqueueLocked queues an internal control message. Control messages are never
// sequenced.
func (t *Transport) enqueueLocked(m *message.Message) error {
	if m.SID == "" {
		m.SID = t.sid
	}
	data, err := t.serializeLocked(m)
	if err != nil {
		return err
	}
	t.pending = append(t.pending, data)
	t.flushLocked()
	return nil
}

// enqueueKeyLocked queues an empty key-exchange frame.
func (t *Transport) enqueueKeyLocked(k keyMessage) error {
	data, err := t.encodeFrameLocked(frame.Header{Encryption: crypto.Field(k.typ, k.header)}, nil)
	if err != nil {
		return err
	}
	t.logger("enqueueKey").WithField("cipher", k.typ.String()).Debug("Key exchange queued")
	t.pending = append(t.pending, data)
	return nil
}

// serializeLocked runs the outbound pipeline: marshal, compress when the body
// reaches the threshold, encrypt, frame.
func (t *Transport) serializeLocked(m *message.Message) ([]byte, error) {
	body, err := t.codec.Marshal(m)
	if err != nil {
		return nil, err
	}

	var h frame.Header
	if t.compressor != nil && len(body) > 0 && len(body) >= t.opts.CompressionThreshold {
		packed, err := t.compressor.Compress(body)
		if err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		h.Compression = compression.Field(t.compressor, len(body))
		body = packed
	}

	if t.sendEnc != nil && len(body) > 0 {
		sealed, hdr, err := t.sendEnc.Encrypt(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCipher, err)
		}
		h.Encryption = crypto.Field(t.sendEnc.Type(), hdr)
		body = sealed
	}
	return t.encodeFrameLocked(h, body)
}

// encodeFrameLocked frames one body, adding PVER to the first frame of the
// transport's lifetime and enforcing the datagram bound.
func (t *Transport) encodeFrameLocked(h frame.Header, body []byte) ([]byte, error) {
	if !t.sentPVER && t.opts.PluginVersion > 0 {
		h.PluginVersion = t.opts.PluginVersion
	}
	data, err := frame.Encode(h, body)
	if err != nil {
		return nil, err
	}
	if t.kind == KindDatagram {
		if err := limits.ValidateDatagram(data, t.opts.MaxDatagramSize); err != nil {
			return nil, err
		}
	}
	if h.PluginVersion > 0 {
		t.sentPVER = true
	}
	return data, nil
}

// flushLocked starts one physical write if none is outstanding. Stream links
// take the whole pending list as one batch; datagram and request links take
// one frame.
func (t *Transport) flushLocked() {
	if t.writing || !t.linkUp || t.link == nil {
		return
	}
	if len(t.inflight) == 0 {
		if len(t.pending) == 0 {
			return
		}
		if t.kind == KindStream {
			t.inflight, t.pending = t.pending, nil
		} else {
			t.inflight = [][]byte{t.pending[0]}
			t.pending = t.pending[1:]
		}
	}

	size := 0
	for _, f := range t.inflight {
		size += len(f)
	}
	batch := make([]byte, 0, size)
	for _, f := range t.inflight {
		batch = append(batch, f...)
	}

	t.writing = true
	t.writeElapsed = 0
	gen := t.gen.Load()
	link := t.link
	go t.write(gen, link, batch)
}

func (t *Transport) write(gen uint64, link Link, batch []byte) {
	n, err := link.Write(batch)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen.Load() {
		return
	}
	t.writing = false
	t.consumeInflightLocked(n)
	if err != nil {
		t.postLocked(gen, func() { t.failLocked(ErrorSend, "write failed", err) })
		return
	}
	t.flushLocked()
}

// consumeInflightLocked drops n written bytes from the head of the in-flight
// list. A partially written frame keeps its remainder at the head.
func (t *Transport) consumeInflightLocked(n int) {
	for n > 0 && len(t.inflight) > 0 {
		head := t.inflight[0]
		if n >= len(head) {
			n -= len(head)
			t.inflight = t.inflight[1:]
			continue
		}
		t.inflight[0] = head[n:]
		n = 0
	}
	if len(t.inflight) == 0 {
		t.inflight = nil
	}
}

func (t *Transport) sendAckLocked(ack uint32) {
	m := &message.Message{SID: t.sid, Ack: ack, HasAck: true}
	if err := t.enqueueLocked(m); err != nil {
		t.logger("sendAck").WithError(err).Warn("Ack not sent")
	}
}

func (t *Transport) sendPingLocked() {
	payload, err := json.Marshal(pingPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := t.enqueueLocked(&message.Message{Type: message.TypeClientPing, Payload: payload}); err != nil {
		t.logger("sendPing").WithError(err).Warn("Ping not sent")
	}
}

// resendLocked retransmits every unacknowledged message in send order.
func (t *Transport) resendLocked() {
	for _, m := range t.seq.pending() {
		c := m.Clone()
		c.SID = t.sid
		data, err := t.serializeLocked(c)
		if err != nil {
			t.logger("resend").WithError(err).WithField("seq", c.Seq).Warn("Retransmission dropped")
			continue
		}
		t.pending = append(t.pending, data)
	}
	t.logger("resend").WithField("count", len(t.seq.pending())).Info("Retransmitted unacknowledged messages")
	t.flushLocked()
}
