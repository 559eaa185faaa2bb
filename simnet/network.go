// Package simnet provides a deterministic, event driven harness for the
// protocol endpoints: a virtual clock, the single one-shot sender timer
// and unidirectional links with configurable fault injection. Handlers
// run to completion one at a time and virtual time advances only between
// events, so a run is fully reproducible from its random seed.
package simnet

import (
	"container/heap"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// event is one scheduled callback in virtual time. seqno breaks deadline
// ties so same-instant events run in FIFO order.
type event struct {
	at        time.Time
	seqno     uint64
	cancelled bool
	run       func()
}

// eventHeap implements heap.Interface over scheduled events, earliest
// event at the head.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seqno < h[j].seqno
	}

	return h[i].at.Before(h[j].at)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // don't stop the GC from reclaiming the item eventually
	*h = old[:n-1]

	return item
}

// Network is the event loop. It owns virtual time and the schedule of
// pending deliveries and timer firings.
type Network struct {
	now   time.Time
	next  uint64
	sched eventHeap
}

// NewNetwork creates an empty network with virtual time at the epoch.
func NewNetwork() *Network {
	return &Network{
		now: time.Unix(0, 0),
	}
}

// Now returns the current virtual time.
func (n *Network) Now() time.Time {
	return n.now
}

// TickAfter returns a channel that receives the virtual time once the
// delay has elapsed in the simulation.
func (n *Network) TickAfter(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	n.Schedule(d, func() {
		ch <- n.now
	})

	return ch
}

// The network doubles as the endpoints' time source.
var _ clock.Clock = (*Network)(nil)

// Schedule queues fn to run after delay in virtual time.
func (n *Network) Schedule(delay time.Duration, fn func()) {
	n.schedule(delay, fn)
}

// schedule queues fn and returns a handle that can be cancelled.
func (n *Network) schedule(delay time.Duration, fn func()) *event {
	e := &event{
		at:    n.now.Add(delay),
		seqno: n.next,
		run:   fn,
	}
	n.next++
	heap.Push(&n.sched, e)

	return e
}

// Run executes scheduled events in time order until the schedule drains
// or maxEvents handlers have run. A maxEvents of 0 means no limit. It
// returns the number of handlers executed.
func (n *Network) Run(maxEvents int) int {
	executed := 0

	for len(n.sched) > 0 {
		if maxEvents > 0 && executed >= maxEvents {
			break
		}

		e := heap.Pop(&n.sched).(*event)
		if e.cancelled {
			continue
		}

		n.now = e.at
		e.run()
		executed++
	}

	return executed
}

// Idle reports whether no events remain scheduled.
func (n *Network) Idle() bool {
	return len(n.sched) == 0
}
