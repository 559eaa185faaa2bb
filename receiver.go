package arq

import (
	"github.com/quayside/arq/wire"
)

// rxSlot is one position in the receiver's reorder ring.
type rxSlot struct {
	pkt wire.Packet

	// received is set while the slot holds a valid, not yet delivered
	// packet.
	received bool
}

// Receiver is the consuming endpoint of the reliable channel. It
// validates incoming packets, reorders them in an in-window buffer,
// delivers them to the upper layer in order and answers with cumulative
// ACKs or targeted NAKs.
//
// The receiver carries no timer: when a NAK is lost, recovery rides on
// the sender's retransmission timeout, which degrades the protocol to
// plain go-back-N until the gap closes.
type Receiver struct {
	cfg *ReceiverConfig
	tun tunables

	// inBuf is indexed directly by sequence number.
	inBuf [MaxSeq + 1]rxSlot

	// windowStart is the next sequence number expected for delivery.
	windowStart Seq

	// receivedLast is the highest sequence number observed within the
	// current window, used to detect gaps.
	receivedLast Seq
}

// NewReceiver constructs a ready Receiver. Delivery starts at sequence
// number 1, matching the sender's sentinel convention for slot 0.
func NewReceiver(cfg *ReceiverConfig, opts ...Option) (*Receiver, error) {
	if cfg.SubmitToLower == nil || cfg.Deliver == nil {
		return nil, errMissingCollaborator
	}

	tun := defaultTunables()
	for _, opt := range opts {
		opt(&tun)
	}
	if err := tun.validate(); err != nil {
		return nil, err
	}

	return &Receiver{
		cfg:         cfg,
		tun:         tun,
		windowStart: 1,
	}, nil
}

// Close releases buffered out-of-order data.
func (r *Receiver) Close() {
	for i := range r.inBuf {
		r.inBuf[i] = rxSlot{}
	}
}

// HandlePacket processes one data frame from the lower layer. Corrupted
// frames are dropped silently.
func (r *Receiver) HandlePacket(frame []byte) {
	pkt, err := wire.Parse(frame)
	if err != nil {
		log.Tracef("dropping corrupt frame: %v", err)
		return
	}

	seq := Seq(pkt.Seq)

	// A duplicate of already delivered data means the ACK that retired
	// it may have been lost, so acknowledge again.
	if seq.LessThan(r.windowStart) {
		log.Tracef("duplicate seq %d, re-acking %d", seq,
			r.windowStart.Prev())
		r.sendAck()
		return
	}

	// Beyond the reorder window: the packet is not buffered and gets no
	// reply, so it has to be resent later.
	windowEnd := r.windowStart.Add(r.tun.windowSize)
	if !seq.InRange(r.windowStart, windowEnd) {
		log.Warnf("seq %d outside window [%d, %d), discarding", seq,
			r.windowStart, windowEnd)
		return
	}

	if r.receivedLast.LessThan(seq) {
		r.receivedLast = seq
	}

	sl := &r.inBuf[seq]
	sl.pkt = *pkt
	sl.received = true

	r.deliverPrefix()

	// A hole remains in front of buffered data: ask for the missing
	// packet specifically.
	if r.windowStart.LessThan(r.receivedLast) {
		r.sendNak()
		return
	}

	r.sendAck()
}

// deliverPrefix hands every contiguous buffered packet starting at
// windowStart to the upper layer, in order.
func (r *Receiver) deliverPrefix() {
	for r.inBuf[r.windowStart].received {
		sl := &r.inBuf[r.windowStart]

		log.Tracef("delivering seq=%d len=%d", r.windowStart,
			sl.pkt.Len)
		r.cfg.Deliver(sl.pkt.Payload[:sl.pkt.Len])

		sl.received = false
		r.windowStart = r.windowStart.Next()
	}
}

// sendAck emits a cumulative acknowledgement covering everything
// delivered so far.
func (r *Receiver) sendAck() {
	r.sendControl(r.windowStart.Prev(), 0)
}

// sendNak requests retransmission of the first missing packet.
func (r *Receiver) sendNak() {
	log.Debugf("gap at %d (received up to %d), sending nak",
		r.windowStart, r.receivedLast)
	r.sendControl(r.windowStart, wire.FlagNAK)
}

func (r *Receiver) sendControl(ack Seq, flags byte) {
	pkt := wire.Packet{
		Ack:   byte(ack),
		Flags: flags,
	}

	frame, err := pkt.Serialize()
	if err != nil {
		log.Criticalf("serialize control ack=%d: %v", ack, err)
		return
	}

	r.cfg.SubmitToLower(frame)
}
