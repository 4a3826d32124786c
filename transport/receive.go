package transport

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionnet/compression"
	"github.com/opd-ai/sessionnet/crypto"
	"github.com/opd-ai/sessionnet/frame"
	"github.com/opd-ai/sessionnet/limits"
	"github.com/opd-ai/sessionnet/message"
)

// readChunk is the minimum free space offered to each stream read.
const readChunk = 2048

// readLoop runs the receive side of one connection. It only reassembles
// frames; everything else happens in Update.
func (t *Transport) readLoop(gen uint64, link Link) {
	if link.Kind() == KindStream {
		t.readStream(gen, link)
		return
	}
	t.readUnits(gen, link)
}

func (t *Transport) readStream(gen uint64, link Link) {
	dec := frame.NewDecoder(t.opts.ReadBufferSize)
	for {
		buf := dec.Space(readChunk)
		n, err := link.Read(buf)
		if n > 0 {
			dec.Commit(n)
			frames, derr := t.drain(dec)
			if len(frames) > 0 {
				t.post(gen, func() { t.handleFramesLocked(gen, frames) })
			}
			if derr != nil {
				t.post(gen, func() { t.failLocked(ErrorDecode, "malformed stream", derr) })
				return
			}
		}
		if err != nil {
			t.post(gen, func() { t.failLocked(ErrorReceive, "read failed", err) })
			return
		}
	}
}

// drain decodes every complete frame in dec. Frames with a foreign protocol
// version are skipped.
func (t *Transport) drain(dec *frame.Decoder) ([]*frame.Frame, error) {
	var frames []*frame.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, frame.ErrVersionMismatch) {
			t.logger("drain").WithError(err).Warn("Dropping frame")
			continue
		}
		if err != nil {
			return frames, err
		}
		if f == nil {
			return frames, nil
		}
		frames = append(frames, f)
	}
}

func (t *Transport) readUnits(gen uint64, link Link) {
	size := limits.MaxReceiveUnit
	if link.Kind() == KindRequest {
		size = limits.MaxHeaderSize + limits.MaxBodySize
	}
	buf := make([]byte, size)
	for {
		n, err := link.Read(buf)
		if n > 0 {
			f, derr := frame.DecodeOne(buf[:n])
			if derr != nil {
				t.logger("readUnits").WithError(derr).WithField("bytes", n).Warn("Dropping malformed unit")
			} else {
				frames := []*frame.Frame{f}
				t.post(gen, func() { t.handleFramesLocked(gen, frames) })
			}
		}
		if err != nil {
			t.post(gen, func() { t.failLocked(ErrorReceive, "read failed", err) })
			return
		}
	}
}

// handleFramesLocked processes frames in arrival order until one of them ends
// the connection.
func (t *Transport) handleFramesLocked(gen uint64, frames []*frame.Frame) {
	for _, f := range frames {
		if gen != t.gen.Load() {
			return
		}
		t.sinceRecv = 0
		if t.State() == StateHandshaking {
			t.handshakeLocked(f)
			continue
		}
		t.handleFrameLocked(f)
	}
}

// handshakeLocked consumes the server's handshake frames on stream links.
func (t *Transport) handshakeLocked(f *frame.Frame) {
	negotiated := false
	if f.Header.Encryption != "" && len(f.Body) == 0 {
		if err := t.keyFrameLocked(f.Header.Encryption); err != nil {
			t.failLocked(ErrorEncryption, "handshake", err)
			return
		}
		negotiated = true
	}

	if t.handshakePendingLocked() {
		if !negotiated {
			t.failLocked(ErrorEncryption, "server skipped cipher handshake", nil)
		}
		return
	}

	gen := t.gen.Load()
	t.connectedLocked()
	if len(f.Body) > 0 && gen == t.gen.Load() {
		t.handleFrameLocked(f)
	}
}

// keyFrameLocked hands a server handshake header to its cipher and queues the
// reply, if any, for dispatch once connected.
func (t *Transport) keyFrameLocked(field string) error {
	typ, hdr, err := crypto.ParseField(field)
	if err != nil {
		return err
	}
	e, ok := t.encryptors[typ]
	if !ok {
		return fmt.Errorf("%w: %s not configured", crypto.ErrUnknownType, typ)
	}
	if e.State() != crypto.StateHandshaking {
		return nil
	}
	out, err := e.Handshake(hdr)
	if err != nil {
		return err
	}
	t.logger("keyFrame").WithField("cipher", typ.String()).Debug("Cipher handshake complete")
	if out != "" {
		t.keyExchange = append(t.keyExchange, keyMessage{typ: typ, header: out})
	}
	return nil
}

// handleFrameLocked runs the inbound pipeline: decrypt, decompress, unmarshal.
func (t *Transport) handleFrameLocked(f *frame.Frame) {
	if len(f.Body) == 0 {
		return
	}

	body := f.Body
	if f.Header.Encryption != "" {
		typ, hdr, err := crypto.ParseField(f.Header.Encryption)
		if err != nil {
			t.failLocked(ErrorEncryption, "bad ENC field", err)
			return
		}
		e, ok := t.encryptors[typ]
		if !ok {
			t.failLocked(ErrorEncryption, "frame uses unconfigured cipher "+typ.String(), nil)
			return
		}
		if body, err = e.Decrypt(body, hdr); err != nil {
			t.failLocked(ErrorEncryption, "decrypt", err)
			return
		}
	}

	if f.Header.Compression != "" {
		name, n, err := compression.ParseField(f.Header.Compression)
		if err != nil {
			t.logger("handleFrame").WithError(err).Warn("Dropping frame")
			return
		}
		c := t.compressor
		if c == nil || c.Name() != name {
			if c, err = compression.New(name); err != nil {
				t.logger("handleFrame").WithError(err).Warn("Dropping frame")
				return
			}
		}
		if body, err = c.Decompress(body, n); err != nil {
			t.logger("handleFrame").WithError(err).Warn("Dropping frame")
			return
		}
	}

	m, err := t.codec.Unmarshal(body)
	if err != nil {
		t.logger("handleFrame").WithError(err).Warn("Dropping undecodable message")
		return
	}
	t.handleMessageLocked(m)
}

// handleMessageLocked applies the session fields of an inbound message and
// delivers whatever is left for the session. On a reliable transport a
// duplicate or out-of-order message is rejected before any of its fields take
// effect.
func (t *Transport) handleMessageLocked(m *message.Message) {
	sequenced := t.reliable && m.HasSeq
	if sequenced {
		last := t.seq.lastRecv
		switch t.seq.accept(m.Seq) {
		case seqStale:
			t.logger("handleMessage").WithFields(logrus.Fields{
				"seq":  m.Seq,
				"last": last,
			}).Debug("Dropping duplicate message")
			return
		case seqGap:
			t.failLocked(ErrorInvalidSequence,
				fmt.Sprintf("expected sequence %d, got %d", last+1, m.Seq), nil)
			return
		}
	}

	if m.SID != "" && m.SID != t.sid {
		if t.sid != "" {
			t.logger("handleMessage").WithFields(logrus.Fields{
				"old_session": t.sid,
				"new_session": m.SID,
			}).Info("Server changed session")
			t.seq.reset(t.initialSeq())
			if sequenced {
				t.seq.accept(m.Seq)
			}
		}
		t.sid = m.SID
		sid := m.SID
		t.notifyLocked(func(cb Callbacks) {
			if cb.SessionID != nil {
				cb.SessionID(t, sid)
			}
		})
	}

	if t.reliable && m.HasAck {
		dropped := t.seq.acknowledge(m.Ack)
		t.logger("handleMessage").WithFields(logrus.Fields{
			"ack":     m.Ack,
			"dropped": dropped,
		}).Debug("Ack received")
		if t.State() == StateWaitForAck {
			t.resendLocked()
			t.establishLocked()
		}
	}

	if sequenced {
		t.sendAckLocked(m.Seq + 1)
	}

	if t.State() == StateWaitForSessionID && t.sid != "" {
		t.establishLocked()
	}

	switch m.Type {
	case message.TypeServerPing:
		echo := &message.Message{Type: message.TypeServerPing, Payload: m.Payload}
		if err := t.enqueueLocked(echo); err != nil {
			t.logger("handleMessage").WithError(err).Warn("Ping echo failed")
		}
		return
	case message.TypeClientPing:
		return
	}
	if m.IsControlOnly() {
		return
	}

	t.notifyLocked(func(cb Callbacks) {
		if cb.Received != nil {
			cb.Received(t, m)
		}
	})
}
