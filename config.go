package arq

import (
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultWindowSize is the number of packets the sender may have in
	// flight before the oldest one must be acknowledged. It must be a
	// power of two no larger than half the sequence space so the sender
	// and receiver windows cannot overlap under wraparound.
	DefaultWindowSize = 8

	// DefaultRetransmitTimeout is how long an unacknowledged data
	// packet stays in flight before the sender retransmits it.
	DefaultRetransmitTimeout = time.Second

	// DefaultNakTimeout is the back-off between NAK triggered
	// retransmits of the same packet. It must stay shorter than the
	// retransmit timeout so NAK driven recovery beats pure timeout
	// recovery.
	DefaultNakTimeout = 300 * time.Millisecond

	// maxWindowSize bounds the window at half the sequence space.
	maxWindowSize = (MaxSeq + 1) / 2
)

// SubmitFunc hands one serialized frame to the unreliable lower layer.
// Submission cannot fail, but the frame may still be lost, corrupted,
// duplicated or reordered in transit.
type SubmitFunc func(frame []byte)

// DeliverFunc hands one in-order message payload to the upper layer at
// the receiver. The slice is only valid for the duration of the call.
type DeliverFunc func(msg []byte)

// SenderConfig holds the external collaborators of a Sender.
type SenderConfig struct {
	// SubmitToLower transmits a frame over the unreliable channel.
	SubmitToLower SubmitFunc

	// Timer is the single one-shot timer the framework exposes to the
	// sender. All per-packet deadlines are multiplexed onto it.
	Timer OneShotTimer

	// Clock is the time source deadlines are computed against.
	Clock clock.Clock
}

// ReceiverConfig holds the external collaborators of a Receiver.
type ReceiverConfig struct {
	// SubmitToLower transmits a control frame back to the sender.
	SubmitToLower SubmitFunc

	// Deliver hands one in-order message to the upper layer.
	Deliver DeliverFunc
}

// errMissingCollaborator is returned when a config lacks a required
// callback or collaborator.
var errMissingCollaborator = errors.New("config is missing a collaborator")

// tunables are the protocol knobs shared by both endpoints.
type tunables struct {
	windowSize        uint8
	retransmitTimeout time.Duration
	nakTimeout        time.Duration
}

func defaultTunables() tunables {
	return tunables{
		windowSize:        DefaultWindowSize,
		retransmitTimeout: DefaultRetransmitTimeout,
		nakTimeout:        DefaultNakTimeout,
	}
}

func (t *tunables) validate() error {
	w := t.windowSize
	if w == 0 || w > maxWindowSize || w&(w-1) != 0 {
		return fmt.Errorf("window size %d must be a power of two "+
			"no larger than %d", w, maxWindowSize)
	}

	if t.nakTimeout >= t.retransmitTimeout {
		return fmt.Errorf("nak timeout %v must be shorter than the "+
			"retransmit timeout %v", t.nakTimeout,
			t.retransmitTimeout)
	}

	return nil
}
