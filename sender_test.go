package arq

import (
	"bytes"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/quayside/arq/wire"
	"github.com/stretchr/testify/require"
)

// senderHarness drives a Sender directly, capturing every frame it
// submits to the lower layer.
type senderHarness struct {
	t      *testing.T
	sender *Sender
	timer  *mockTimer
	clk    *clock.TestClock
	sent   []*wire.Packet
}

func newSenderHarness(t *testing.T, opts ...Option) *senderHarness {
	h := &senderHarness{
		t:     t,
		timer: &mockTimer{t: t},
		clk:   clock.NewTestClock(time.Unix(0, 0)),
	}

	sender, err := NewSender(&SenderConfig{
		SubmitToLower: func(frame []byte) {
			pkt, err := wire.Parse(frame)
			require.NoError(t, err)
			h.sent = append(h.sent, pkt)
		},
		Timer: h.timer,
		Clock: h.clk,
	}, opts...)
	require.NoError(t, err)

	h.sender = sender
	return h
}

// take returns the frames submitted since the last call.
func (h *senderHarness) take() []*wire.Packet {
	sent := h.sent
	h.sent = nil
	return sent
}

// ack feeds a cumulative ACK for seq into the sender.
func (h *senderHarness) ack(seq Seq) {
	pkt := wire.Packet{Ack: byte(seq)}
	frame, err := pkt.Serialize()
	require.NoError(h.t, err)
	h.sender.HandlePacket(frame)
}

// nak feeds a retransmission request for seq into the sender.
func (h *senderHarness) nak(seq Seq) {
	pkt := wire.Packet{Ack: byte(seq), Flags: wire.FlagNAK}
	frame, err := pkt.Serialize()
	require.NoError(h.t, err)
	h.sender.HandlePacket(frame)
}

func TestSenderSingleMessage(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("hello"))

	sent := h.take()
	require.Len(t, sent, 1)
	require.Equal(t, byte(1), sent[0].Seq)
	require.Equal(t, byte(5), sent[0].Len)
	require.Equal(t, []byte("hello"), sent[0].Payload[:sent[0].Len])
	require.True(t, h.timer.IsSet())

	h.ack(1)
	require.Equal(t, Seq(2), h.sender.windowStart)
	require.Equal(t, Seq(2), h.sender.nextSeq)
	require.Empty(t, h.take())
	require.False(t, h.timer.IsSet())
	require.Zero(t, h.sender.timers.pending())
}

func TestSenderEmptyMessage(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage(nil)

	require.Empty(t, h.take())
	require.False(t, h.timer.IsSet())
	require.Equal(t, Seq(1), h.sender.nextSeq)
}

func TestSenderSplitsLargeMessage(t *testing.T) {
	h := newSenderHarness(t)

	msg := bytes.Repeat([]byte{0xaa}, 2*wire.MaxPayloadSize+10)
	h.sender.HandleMessage(msg)

	sent := h.take()
	require.Len(t, sent, 3)
	require.Equal(t, byte(wire.MaxPayloadSize), sent[0].Len)
	require.Equal(t, byte(wire.MaxPayloadSize), sent[1].Len)
	require.Equal(t, byte(10), sent[2].Len)

	for i, pkt := range sent {
		require.Equal(t, byte(i+1), pkt.Seq)
	}
}

func TestSenderWindowLimit(t *testing.T) {
	h := newSenderHarness(t)

	// Ten full packets, but the transmit window [0, 8) only admits
	// sequence numbers 1 through 7 while nothing is acknowledged.
	msg := bytes.Repeat([]byte{0xbb}, 10*wire.MaxPayloadSize)
	h.sender.HandleMessage(msg)

	sent := h.take()
	require.Len(t, sent, 7)
	require.Equal(t, byte(7), sent[6].Seq)
	require.Equal(t, Seq(11), h.sender.nextSeq)

	// Acknowledging the first packet slides the window past the unused
	// sentinel slot as well, releasing two buffered packets.
	h.ack(1)
	sent = h.take()
	require.Len(t, sent, 2)
	require.Equal(t, byte(8), sent[0].Seq)
	require.Equal(t, byte(9), sent[1].Seq)
}

func TestSenderCumulativeAck(t *testing.T) {
	h := newSenderHarness(t)

	msg := bytes.Repeat([]byte{0xcc}, 3*wire.MaxPayloadSize)
	h.sender.HandleMessage(msg)
	require.Len(t, h.take(), 3)

	// One ACK for seq 3 retires packets 1, 2 and 3 at once.
	h.ack(3)
	require.Equal(t, Seq(4), h.sender.windowStart)
	require.Zero(t, h.sender.timers.pending())
	require.False(t, h.timer.IsSet())
}

func TestSenderStaleAckIgnored(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("one"))
	h.sender.HandleMessage([]byte("two"))
	h.take()

	h.ack(2)
	require.Equal(t, Seq(3), h.sender.windowStart)

	// A duplicate of the old ACK must not move the window again.
	h.ack(2)
	require.Equal(t, Seq(3), h.sender.windowStart)
	require.Empty(t, h.take())
}

func TestSenderNakRetransmitsOnce(t *testing.T) {
	h := newSenderHarness(t)

	msg := bytes.Repeat([]byte{0xdd}, 3*wire.MaxPayloadSize)
	h.sender.HandleMessage(msg)
	h.take()

	h.nak(2)
	sent := h.take()
	require.Len(t, sent, 1)
	require.Equal(t, byte(2), sent[0].Seq)

	// The retransmit re-arms with the short NAK back-off, which now
	// owns the head of the timer queue.
	require.Equal(t, DefaultNakTimeout, h.timer.duration)

	// Duplicate NAKs while the retransmit is in flight are debounced.
	h.nak(2)
	h.nak(2)
	require.Empty(t, h.take())
}

func TestSenderNakStaleIgnored(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("one"))
	h.take()
	h.ack(1)

	h.nak(1)
	require.Empty(t, h.take())
}

func TestSenderNakUnsentIgnored(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("one"))
	h.take()

	// Sequence 5 was never transmitted; the NAK must not fabricate a
	// packet.
	h.nak(5)
	require.Empty(t, h.take())
}

func TestSenderTimeoutRetransmits(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("hello"))
	h.take()

	h.clk.SetTime(time.Unix(0, 0).Add(DefaultRetransmitTimeout))
	h.timer.fire(h.sender.timers)

	sent := h.take()
	require.Len(t, sent, 1)
	require.Equal(t, byte(1), sent[0].Seq)

	// The packet is re-armed with the full data timeout again.
	require.True(t, h.timer.IsSet())
	require.Equal(t, DefaultRetransmitTimeout, h.timer.duration)
}

func TestSenderNakTimeoutKeepsShortBackoff(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("hello"))
	h.take()

	h.nak(1)
	require.Len(t, h.take(), 1)

	// When the NAK triggered retransmit itself times out, the slot
	// stays in fast retransmit mode.
	h.clk.SetTime(time.Unix(0, 0).Add(DefaultNakTimeout))
	h.timer.fire(h.sender.timers)

	sent := h.take()
	require.Len(t, sent, 1)
	require.Equal(t, byte(1), sent[0].Seq)
	require.Equal(t, DefaultNakTimeout, h.timer.duration)
}

func TestSenderNakingClearedOnRetire(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("hello"))
	h.take()

	h.nak(1)
	h.take()
	require.True(t, h.sender.outBuf[1].naking)

	h.ack(1)
	require.False(t, h.sender.outBuf[1].naking)
}

func TestSenderCoalescesIntoUnsentSlot(t *testing.T) {
	h := newSenderHarness(t)

	// Nine full packets plus ten bytes: slots 1..9 fill completely,
	// slot 10 holds the ten byte tail and sits beyond the transmit
	// window, untransmitted.
	msg := bytes.Repeat([]byte{0xee}, 9*wire.MaxPayloadSize+10)
	h.sender.HandleMessage(msg)
	require.Len(t, h.take(), 7)
	require.Equal(t, Seq(11), h.sender.nextSeq)
	require.Equal(t, byte(10), h.sender.outBuf[10].pkt.Len)

	// A small follow-up message merges into slot 10 instead of
	// claiming a fresh slot.
	h.sender.HandleMessage([]byte("xy"))
	require.Equal(t, Seq(11), h.sender.nextSeq)
	require.Equal(t, byte(12), h.sender.outBuf[10].pkt.Len)
	require.Empty(t, h.take())
}

func TestSenderNoCoalesceIntoRetiredSlot(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("first"))
	h.take()
	h.ack(1)

	// The window is idle; the slot before nextSeq is retired, so the
	// new message must claim a fresh slot rather than merge into it.
	h.sender.HandleMessage([]byte("second"))

	sent := h.take()
	require.Len(t, sent, 1)
	require.Equal(t, byte(2), sent[0].Seq)
	require.Equal(t, []byte("second"), sent[0].Payload[:sent[0].Len])
}

func TestSenderOverflowSpillsAndDrains(t *testing.T) {
	h := newSenderHarness(t)

	// The ring holds 254 claimable slots (one reserved, slot 0 a
	// sentinel); 300 full packets spill the remainder into the
	// overflow queue.
	const total = 300
	for i := 0; i < total; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, wire.MaxPayloadSize)
		h.sender.HandleMessage(msg)
	}

	require.Equal(t, 46, len(h.sender.overflow))
	require.Len(t, h.take(), 7)

	// Retiring slots promotes overflow fragments into the ring and
	// transmits the packets the sliding window admits. The ACK covers
	// the sentinel slot and sequences 1 through 3, so the window
	// slides by four.
	h.ack(3)
	require.Equal(t, 42, len(h.sender.overflow))
	require.Len(t, h.take(), 4)

	// Drain everything; each cumulative ACK follows the transmitted
	// prefix.
	for {
		sent := h.sender.toSend.Prev()
		if sent == h.sender.windowStart.Prev() {
			break
		}
		h.ack(sent)
		h.take()
	}

	require.Empty(t, h.sender.overflow)
	require.Equal(t, h.sender.nextSeq, h.sender.toSend)
	require.Zero(t, h.sender.timers.pending())
}

func TestSenderCorruptFrameDropped(t *testing.T) {
	h := newSenderHarness(t)

	h.sender.HandleMessage([]byte("hello"))
	h.take()

	pkt := wire.Packet{Ack: 1}
	frame, err := pkt.Serialize()
	require.NoError(t, err)
	frame[1] ^= 0x10

	h.sender.HandlePacket(frame)

	// The mangled ACK must not move the window.
	require.Equal(t, Seq(0), h.sender.windowStart)
	require.True(t, h.timer.IsSet())
}

func TestSenderRejectsBadTunables(t *testing.T) {
	cfg := &SenderConfig{
		SubmitToLower: func([]byte) {},
		Timer:         &mockTimer{t: t},
		Clock:         clock.NewTestClock(time.Unix(0, 0)),
	}

	_, err := NewSender(cfg, WithWindowSize(3))
	require.Error(t, err)

	_, err = NewSender(cfg, WithWindowSize(129))
	require.Error(t, err)

	_, err = NewSender(cfg, WithNakTimeout(2*time.Second))
	require.Error(t, err)

	_, err = NewSender(&SenderConfig{})
	require.Error(t, err)
}
