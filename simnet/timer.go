package simnet

import (
	"time"

	"github.com/quayside/arq"
)

// Timer is the single one-shot timer the sender multiplexes its
// per-packet deadlines onto.
type Timer struct {
	net     *Network
	onFire  func()
	pending *event
}

// A compile-time check to make sure Timer satisfies the sender's timer
// contract.
var _ arq.OneShotTimer = (*Timer)(nil)

// NewTimer creates a disarmed timer on the given network.
func NewTimer(net *Network) *Timer {
	return &Timer{
		net: net,
	}
}

// OnFire registers the callback delivered when the armed duration
// elapses. It must be set before the timer is first started.
func (t *Timer) OnFire(fn func()) {
	t.onFire = fn
}

// Start arms the timer to fire once after d.
func (t *Timer) Start(d time.Duration) {
	if t.pending != nil {
		panic("one-shot timer started while armed")
	}

	t.pending = t.net.schedule(d, func() {
		t.pending = nil
		if t.onFire != nil {
			t.onFire()
		}
	})
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	if t.pending != nil {
		t.pending.cancelled = true
		t.pending = nil
	}
}

// IsSet reports whether the timer is armed.
func (t *Timer) IsSet() bool {
	return t.pending != nil
}
