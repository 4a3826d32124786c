package transport

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionnet/frame"
	"github.com/opd-ai/sessionnet/limits"
	"github.com/opd-ai/sessionnet/message"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func decodeAll(t *testing.T, data []byte) []*message.Message {
	t.Helper()
	dec := frame.NewDecoder(0)
	dec.Feed(data)
	var out []*message.Message
	for {
		f, err := dec.Next()
		require.NoError(t, err)
		if f == nil {
			return out
		}
		m, err := message.JSONCodec{}.Unmarshal(f.Body)
		require.NoError(t, err)
		out = append(out, m)
	}
}

func TestStreamFlushIsOneWritePerCycle(t *testing.T) {
	link := newGateLink(KindStream)
	tr := newEstablished(t, TCP, link)

	require.NoError(t, tr.Send(&message.Message{Type: "first"}))
	for _, typ := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Send(&message.Message{Type: typ}))
	}

	link.release(2)
	waitFor(t, func() bool { return len(link.written()) == 2 })

	writes := link.written()
	first := decodeAll(t, writes[0])
	require.Len(t, first, 1)
	assert.Equal(t, "first", first[0].Type)

	batch := decodeAll(t, writes[1])
	require.Len(t, batch, 3)
	for i, typ := range []string{"a", "b", "c"} {
		assert.Equal(t, typ, batch[i].Type)
		assert.Equal(t, "S", batch[i].SID)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, link.written(), 2, "no extra writes once the lists are empty")
}

func TestDatagramFlushIsOneFramePerWrite(t *testing.T) {
	link := newGateLink(KindDatagram)
	tr := newEstablished(t, UDP, link)

	for _, typ := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Send(&message.Message{Type: typ}))
	}
	link.release(3)
	waitFor(t, func() bool { return len(link.written()) == 3 })

	for i, w := range link.written() {
		msgs := decodeAll(t, w)
		require.Len(t, msgs, 1)
		assert.Equal(t, string(rune('a'+i)), msgs[0].Type)
	}
}

func TestDatagramRejectsOversize(t *testing.T) {
	link := newGateLink(KindDatagram)
	tr := newEstablished(t, UDP, link)

	big := `{"data":"` + strings.Repeat("x", limits.MaxDatagramSize) + `"}`
	err := tr.Send(&message.Message{Type: "big", Payload: []byte(big)})
	assert.True(t, errors.Is(err, limits.ErrFrameTooLarge))
}

func TestPartialWriteKeepsRemainderFirst(t *testing.T) {
	link := newGateLink(KindStream)
	tr := newEstablished(t, TCP, link)

	link.mu.Lock()
	link.short = 5
	link.mu.Unlock()

	require.NoError(t, tr.Send(&message.Message{Type: "one"}))
	link.release(1)
	waitFor(t, func() bool { return len(link.written()) == 1 })

	require.NoError(t, tr.Send(&message.Message{Type: "two"}))
	link.release(1)
	waitFor(t, func() bool { return len(link.written()) == 2 })

	all := bytes.Join(link.written(), nil)
	msgs := decodeAll(t, all)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Type)
	assert.Equal(t, "two", msgs[1].Type)
}

func TestSendRequiresEstablished(t *testing.T) {
	link := newGateLink(KindStream)
	tr := newEstablished(t, TCP, link)
	tr.state.Store(uint32(StateWaitForSessionID))

	err := tr.Send(&message.Message{Type: "x"})
	assert.True(t, errors.Is(err, ErrNotEstablished))
}

func TestReliableSendTracksAndOrders(t *testing.T) {
	link := newGateLink(KindStream)
	tr := newEstablished(t, TCP, link)
	tr.SetReliable(true)

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Send(&message.Message{Type: "r"}))
	}
	assert.Equal(t, 3, tr.PendingResend())

	link.release(2)
	waitFor(t, func() bool { return len(link.written()) == 2 })
	msgs := decodeAll(t, bytes.Join(link.written(), nil))
	require.Len(t, msgs, 3)
	for i := 1; i < 3; i++ {
		assert.Equal(t, msgs[i-1].Seq+1, msgs[i].Seq)
		assert.True(t, msgs[i].HasSeq)
	}
}

func TestRejectedSendKeepsSequenceContiguous(t *testing.T) {
	link := newGateLink(KindStream)
	tr := newEstablished(t, TCP, link)
	tr.SetReliable(true)

	require.NoError(t, tr.Send(&message.Message{Type: "a"}))

	huge := `{"data":"` + strings.Repeat("x", limits.MaxBodySize) + `"}`
	err := tr.Send(&message.Message{Type: "huge", Payload: []byte(huge)})
	assert.True(t, errors.Is(err, limits.ErrFrameTooLarge))

	notObject := &message.Message{Type: "list", Payload: []byte(`[1,2]`)}
	require.Error(t, tr.Send(notObject))
	assert.False(t, notObject.HasSeq)
	assert.Zero(t, notObject.Seq)

	require.NoError(t, tr.Send(&message.Message{Type: "b"}))
	assert.Equal(t, 2, tr.PendingResend())

	link.release(2)
	waitFor(t, func() bool { return len(link.written()) == 2 })
	msgs := decodeAll(t, bytes.Join(link.written(), nil))
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[1].Type)
	assert.Equal(t, msgs[0].Seq+1, msgs[1].Seq)
}

func TestRejectedOrderedDatagramKeepsSequence(t *testing.T) {
	link := newGateLink(KindDatagram)
	tr := newEstablished(t, UDP, link)

	require.NoError(t, tr.Send(&message.Message{Type: "a", HasSeq: true}))
	big := `{"data":"` + strings.Repeat("x", limits.MaxDatagramSize) + `"}`
	require.Error(t, tr.Send(&message.Message{Type: "big", HasSeq: true, Payload: []byte(big)}))
	require.NoError(t, tr.Send(&message.Message{Type: "b", HasSeq: true}))

	link.release(2)
	waitFor(t, func() bool { return len(link.written()) == 2 })
	first := decodeAll(t, link.written()[0])
	second := decodeAll(t, link.written()[1])
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Seq+1, second[0].Seq)
}

func TestOrderingWithoutReliability(t *testing.T) {
	link := newGateLink(KindDatagram)
	tr := newEstablished(t, UDP, link)
	tr.SetReliable(true)
	assert.False(t, tr.IsReliable(), "datagram transports are never reliable")

	require.NoError(t, tr.Send(&message.Message{Type: "o", HasSeq: true}))
	assert.Zero(t, tr.PendingResend())
	link.release(1)
	waitFor(t, func() bool { return len(link.written()) == 1 })
	msgs := decodeAll(t, link.written()[0])
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].HasSeq)
}

func TestStopDiscardsQueuedFrames(t *testing.T) {
	link := newGateLink(KindStream)
	tr := newEstablished(t, TCP, link)

	var stopped int
	tr.SetCallbacks(Callbacks{Stopped: func(*Transport) { stopped++ }})

	require.NoError(t, tr.Send(&message.Message{Type: "a"}))
	require.NoError(t, tr.Send(&message.Message{Type: "b"}))
	tr.Stop()
	link.release(1)

	tr.Update(0)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, StateUnknown, tr.State())
	tr.mu.Lock()
	assert.Empty(t, tr.pending)
	assert.Empty(t, tr.inflight)
	tr.mu.Unlock()

	tr.Stop()
	tr.Update(0)
	assert.Equal(t, 1, stopped, "Stop on a stopped transport is a no-op")
}
