package arq

import (
	"github.com/quayside/arq/wire"
)

// slot is one position in the sender's retransmission ring. The wire
// packet and the bookkeeping bits are kept apart so the flags byte on
// the wire never carries internal state.
type slot struct {
	pkt wire.Packet

	// naking is set while a NAK triggered retransmit of this packet is
	// in flight. Further NAKs for the packet are ignored until the
	// slot is retired, which keeps duplicate NAK storms from turning
	// into retransmit storms.
	naking bool
}

// Sender is the transmitting endpoint of the reliable channel. It
// packetises upper layer messages, keeps a sliding window of
// unacknowledged packets, retransmits on timeout or NAK and retires
// packets on cumulative ACKs.
//
// All handlers must be invoked from a single goroutine; every handler
// runs to completion before the next event is delivered.
type Sender struct {
	cfg *SenderConfig
	tun tunables

	// outBuf is indexed directly by sequence number.
	outBuf [MaxSeq + 1]slot

	// windowStart is the lowest sequence number not yet acknowledged.
	windowStart Seq

	// nextSeq is one past the highest sequence number assigned to a
	// buffered packet.
	nextSeq Seq

	// toSend is the next sequence number to transmit. It always lies
	// between windowStart and nextSeq in modular order.
	toSend Seq

	// overflow holds payload fragments that arrived while the ring was
	// full, oldest first. Fragments are promoted into the ring as
	// slots retire.
	overflow [][]byte

	timers *timerQueue
}

// NewSender constructs a ready Sender. Sequence numbering starts at 1 so
// ring slot 0 stays a sentinel that is never written.
func NewSender(cfg *SenderConfig, opts ...Option) (*Sender, error) {
	if cfg.SubmitToLower == nil || cfg.Timer == nil || cfg.Clock == nil {
		return nil, errMissingCollaborator
	}

	tun := defaultTunables()
	for _, opt := range opts {
		opt(&tun)
	}
	if err := tun.validate(); err != nil {
		return nil, err
	}

	s := &Sender{
		cfg:     cfg,
		tun:     tun,
		nextSeq: 1,
		toSend:  1,
	}
	s.timers = newTimerQueue(cfg.Timer, cfg.Clock, s.handleExpiry)

	return s, nil
}

// Close cancels all pending retransmissions and releases buffered data.
// Unacknowledged packets are not flushed.
func (s *Sender) Close() {
	s.timers.reset()
	s.overflow = nil
}

// HandleMessage packetises one upper layer message and transmits as much
// of it as the window allows. The message bytes are copied out before
// the call returns; an empty message leaves the sender untouched.
func (s *Sender) HandleMessage(msg []byte) {
	for cursor := 0; cursor < len(msg); {
		remaining := msg[cursor:]

		switch {
		// Ring full: spill to the overflow queue.
		case s.ringFull():
			cursor += s.spillToOverflow(remaining)

		// A claimed but unsent slot with spare room sits just before
		// nextSeq: top it up so small back-to-back messages don't
		// fragment into one packet each.
		case s.canCoalesce():
			cursor += s.fillSlot(&s.outBuf[s.nextSeq.Prev()],
				remaining)

		// Claim a fresh slot.
		default:
			sl := &s.outBuf[s.nextSeq]
			sl.pkt = wire.Packet{Seq: byte(s.nextSeq)}
			sl.naking = false
			s.nextSeq = s.nextSeq.Next()

			cursor += s.fillSlot(sl, remaining)
		}
	}

	s.sendPackets()
}

// HandlePacket processes one control frame from the lower layer.
// Corrupted frames are dropped silently.
func (s *Sender) HandlePacket(frame []byte) {
	pkt, err := wire.Parse(frame)
	if err != nil {
		log.Tracef("dropping corrupt frame: %v", err)
		return
	}

	if pkt.IsNak() {
		s.handleNak(Seq(pkt.Ack))
		return
	}

	s.handleAck(Seq(pkt.Ack))
}

// HandleTimeout must be invoked when the underlying one-shot timer
// fires.
func (s *Sender) HandleTimeout() {
	s.timers.OnTimeout()
}

// ringFull reports whether claiming another slot would close the gap to
// windowStart. One slot is always kept in reserve so a full ring stays
// distinguishable from an empty one.
func (s *Sender) ringFull() bool {
	return s.nextSeq.Next() == s.windowStart
}

// canCoalesce reports whether the slot just before nextSeq may absorb
// more payload bytes: it must be claimed but not yet transmitted, lie
// outside the in-flight window and still have room.
func (s *Sender) canCoalesce() bool {
	prev := s.nextSeq.Prev()

	if !prev.InRange(s.toSend, s.nextSeq) {
		return false
	}

	windowEnd := s.windowStart.Add(s.tun.windowSize)
	if prev.InRange(s.windowStart, windowEnd) {
		return false
	}

	return int(s.outBuf[prev].pkt.Len) < wire.MaxPayloadSize
}

// fillSlot copies as much of data as fits into the slot's payload and
// returns the number of bytes consumed.
func (s *Sender) fillSlot(sl *slot, data []byte) int {
	n := copy(sl.pkt.Payload[sl.pkt.Len:], data)
	sl.pkt.Len += byte(n)

	return n
}

// spillToOverflow appends data to the overflow queue, topping up the
// tail fragment before starting a new one. It returns the number of
// bytes consumed.
func (s *Sender) spillToOverflow(data []byte) int {
	if n := len(s.overflow); n > 0 {
		tail := s.overflow[n-1]
		if room := wire.MaxPayloadSize - len(tail); room > 0 {
			take := min(room, len(data))
			s.overflow[n-1] = append(tail, data[:take]...)

			return take
		}
	}

	take := min(wire.MaxPayloadSize, len(data))
	frag := make([]byte, take)
	copy(frag, data[:take])
	s.overflow = append(s.overflow, frag)

	return take
}

// sendPackets transmits every buffered packet the window admits,
// arming a retransmission deadline for each.
func (s *Sender) sendPackets() {
	windowEnd := s.windowStart.Add(s.tun.windowSize)
	if s.nextSeq.InRange(s.windowStart, windowEnd) {
		windowEnd = s.nextSeq
	}

	for s.toSend.InRange(s.windowStart, windowEnd) {
		seq := s.toSend
		s.transmit(seq)
		s.timers.Add(seq, s.tun.retransmitTimeout)
		s.toSend = s.toSend.Next()
	}
}

// transmit serializes and submits one buffered data packet.
func (s *Sender) transmit(seq Seq) {
	sl := &s.outBuf[seq]

	frame, err := sl.pkt.Serialize()
	if err != nil {
		// A buffered data packet is always serializable; anything
		// else is a programming error.
		log.Criticalf("serialize seq %d: %v", seq, err)
		return
	}

	log.Tracef("sending seq=%d len=%d", seq, sl.pkt.Len)
	s.cfg.SubmitToLower(frame)
}

// handleAck retires every packet up to and including ack. One cumulative
// ACK may retire multiple packets when earlier ACKs were lost.
func (s *Sender) handleAck(ack Seq) {
	if !s.windowStart.LessThanEq(ack) {
		log.Tracef("stale ack %d, window starts at %d", ack,
			s.windowStart)
		return
	}

	if !ack.InRange(s.windowStart, s.toSend) {
		log.Warnf("ack %d for a packet that was never sent "+
			"(in flight [%d, %d)), ignoring", ack, s.windowStart,
			s.toSend)
		return
	}

	log.Debugf("ack %d retires window [%d, %d]", ack, s.windowStart, ack)

	for s.windowStart.LessThanEq(ack) {
		s.timers.Cancel(s.windowStart)
		s.advanceWindow()
	}
}

// handleNak retransmits the requested packet with a short re-arm, unless
// a NAK triggered retransmit is already in flight for it.
func (s *Sender) handleNak(target Seq) {
	if target.LessThan(s.windowStart) {
		log.Tracef("stale nak %d, window starts at %d", target,
			s.windowStart)
		return
	}

	if !target.InRange(s.windowStart, s.toSend) {
		log.Warnf("nak %d for a packet that was never sent "+
			"(in flight [%d, %d)), ignoring", target,
			s.windowStart, s.toSend)
		return
	}

	sl := &s.outBuf[target]
	if sl.naking {
		log.Tracef("nak %d debounced, retransmit already in flight",
			target)
		return
	}

	log.Debugf("nak %d, retransmitting", target)

	s.timers.Cancel(target)
	s.transmit(target)
	s.timers.Add(target, s.tun.nakTimeout)
	sl.naking = true
}

// advanceWindow retires the slot at windowStart, promotes overflow data
// into the ring when any is queued, and transmits whatever became
// admissible.
func (s *Sender) advanceWindow() {
	if len(s.overflow) > 0 {
		frag := s.overflow[0]
		s.overflow[0] = nil
		s.overflow = s.overflow[1:]

		sl := &s.outBuf[s.nextSeq]
		sl.pkt = wire.Packet{
			Seq: byte(s.nextSeq),
			Len: byte(len(frag)),
		}
		copy(sl.pkt.Payload[:], frag)
		sl.naking = false

		s.nextSeq = s.nextSeq.Next()
	} else {
		s.outBuf[s.windowStart].pkt.Len = 0
	}

	s.outBuf[s.windowStart].naking = false
	s.windowStart = s.windowStart.Next()

	s.sendPackets()
}

// handleExpiry retransmits a packet whose retransmission deadline fired
// and re-arms it. NAK triggered retransmits keep the shorter back-off.
func (s *Sender) handleExpiry(id Seq) {
	windowEnd := s.windowStart.Add(s.tun.windowSize)
	if !id.InRange(s.windowStart, windowEnd) {
		log.Criticalf("timeout for seq %d outside the window "+
			"[%d, %d)", id, s.windowStart, windowEnd)
		return
	}

	sl := &s.outBuf[id]
	log.Debugf("retransmit timeout for seq %d (naking=%v)", id,
		sl.naking)

	s.transmit(id)

	if sl.naking {
		s.timers.Add(id, s.tun.nakTimeout)
	} else {
		s.timers.Add(id, s.tun.retransmitTimeout)
	}
}
