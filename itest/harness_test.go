package itest

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/quayside/arq"
	"github.com/quayside/arq/simnet"
	"github.com/stretchr/testify/require"
)

// maxEvents bounds every simulation so a livelock shows up as a test
// failure instead of a hang.
const maxEvents = 5_000_000

// harness wires one sender and one receiver through a pair of simulated
// unidirectional links and tracks the bytes flowing end to end.
type harness struct {
	t        *testing.T
	net      *simnet.Network
	sender   *arq.Sender
	receiver *arq.Receiver
	dataLink *simnet.Link
	ackLink  *simnet.Link

	submitted bytes.Buffer
	delivered bytes.Buffer
	packets   int
}

func newHarness(t *testing.T, dataCfg, ackCfg simnet.LinkConfig,
	seed int64) *harness {

	h := &harness{
		t:   t,
		net: simnet.NewNetwork(),
	}

	rng := rand.New(rand.NewSource(seed))
	h.dataLink = simnet.NewLink(h.net, dataCfg, rng)
	h.ackLink = simnet.NewLink(h.net, ackCfg, rng)

	receiver, err := arq.NewReceiver(&arq.ReceiverConfig{
		SubmitToLower: h.ackLink.Submit,
		Deliver: func(msg []byte) {
			h.delivered.Write(msg)
			h.packets++
		},
	})
	require.NoError(t, err)

	timer := simnet.NewTimer(h.net)
	sender, err := arq.NewSender(&arq.SenderConfig{
		SubmitToLower: h.dataLink.Submit,
		Timer:         timer,
		Clock:         h.net,
	})
	require.NoError(t, err)

	timer.OnFire(sender.HandleTimeout)
	h.dataLink.OnReceive(receiver.HandlePacket)
	h.ackLink.OnReceive(sender.HandlePacket)

	h.sender = sender
	h.receiver = receiver

	return h
}

// send schedules one upper layer message submission at the given
// virtual time.
func (h *harness) send(at time.Duration, msg []byte) {
	h.submitted.Write(msg)
	h.net.Schedule(at, func() {
		h.sender.HandleMessage(msg)
	})
}

// sendStream schedules count messages of the given size, one every
// interval, filled with reproducible bytes.
func (h *harness) sendStream(count, size int, interval time.Duration,
	rng *rand.Rand) {

	for i := 0; i < count; i++ {
		msg := make([]byte, size)
		rng.Read(msg)
		h.send(time.Duration(i)*interval, msg)
	}
}

// run drains the event loop and checks byte-exact, in-order delivery.
func (h *harness) run() {
	h.net.Run(maxEvents)

	require.True(h.t, h.net.Idle(), "simulation did not converge "+
		"within %d events", maxEvents)
	require.Equal(h.t, h.submitted.Bytes(), h.delivered.Bytes())
}

// perfectLink is a link config with a fixed delay and no faults.
func perfectLink(delay time.Duration) simnet.LinkConfig {
	return simnet.LinkConfig{Delay: delay}
}
