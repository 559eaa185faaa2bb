package arq

import (
	"container/heap"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// timeoutSlack is the grace applied when deciding whether a deadline has
// fired. The framework may deliver a timeout marginally early or late
// relative to the recorded deadline, so near-ties count as fired.
const timeoutSlack = 5 * time.Millisecond

// OneShotTimer is the single hardware-style timer the lower layer
// exposes. Start must not be called while the timer is armed.
type OneShotTimer interface {
	// Start arms the timer to fire once after d.
	Start(d time.Duration)

	// Stop disarms the timer.
	Stop()

	// IsSet reports whether the timer is currently armed.
	IsSet() bool
}

// timerEntry is one pending deadline. Entries are removed lazily on
// cancellation: a cancelled entry stays in the heap and is discarded
// when it surfaces at the head.
type timerEntry struct {
	id        Seq
	deadline  time.Time
	cancelled bool
}

// timerHeap implements heap.Interface over pending deadlines, earliest
// deadline at the head.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // don't stop the GC from reclaiming the item eventually
	*h = old[:n-1]

	return item
}

// timerQueue multiplexes one deadline per in-flight sequence number onto
// the single underlying one-shot timer. The underlying timer is armed
// iff at least one live entry is pending, and always reflects the
// earliest live deadline.
type timerQueue struct {
	timer  OneShotTimer
	clock  clock.Clock
	expire func(id Seq)

	heap   timerHeap
	active map[Seq]*timerEntry

	// armedAt is the deadline the underlying timer currently reflects.
	armedAt time.Time
}

func newTimerQueue(timer OneShotTimer, clk clock.Clock,
	expire func(Seq)) *timerQueue {

	return &timerQueue{
		timer:  timer,
		clock:  clk,
		expire: expire,
		active: make(map[Seq]*timerEntry),
	}
}

// Add schedules the expiry callback for id after delay. A still pending
// deadline for the same id is replaced.
func (t *timerQueue) Add(id Seq, delay time.Duration) {
	if prev, ok := t.active[id]; ok {
		log.Warnf("timer for seq %d already pending, replacing", id)
		prev.cancelled = true
	}

	e := &timerEntry{
		id:       id,
		deadline: t.clock.Now().Add(delay),
	}
	t.active[id] = e
	heap.Push(&t.heap, e)

	t.sync()
}

// Cancel removes the pending deadline for id. Cancelling an id with no
// pending deadline is logged and otherwise ignored.
func (t *timerQueue) Cancel(id Seq) {
	e, ok := t.active[id]
	if !ok {
		log.Warnf("cancel for seq %d not in timer queue", id)
		return
	}

	e.cancelled = true
	delete(t.active, id)

	t.sync()
}

// OnTimeout handles expiry of the underlying timer. Every live entry
// whose deadline is no later than the current time plus timeoutSlack
// fires, in deadline order, then the underlying timer is re-armed for the next
// live deadline.
func (t *timerQueue) OnTimeout() {
	cutoff := t.clock.Now().Add(timeoutSlack)

	for len(t.heap) > 0 {
		head := t.heap[0]
		if head.cancelled {
			heap.Pop(&t.heap)
			continue
		}

		if head.deadline.After(cutoff) {
			break
		}

		heap.Pop(&t.heap)
		delete(t.active, head.id)

		// The callback may re-arm the same id; the entry has already
		// been retired above so the re-add is a fresh one.
		t.expire(head.id)
	}

	t.sync()
}

// pending returns the number of live deadlines.
func (t *timerQueue) pending() int {
	return len(t.active)
}

// reset drops every pending deadline and disarms the underlying timer.
func (t *timerQueue) reset() {
	t.heap = nil
	t.active = make(map[Seq]*timerEntry)

	if t.timer.IsSet() {
		t.timer.Stop()
	}
	t.armedAt = time.Time{}
}

// sync discards cancelled entries at the head of the heap and re-arms
// the underlying timer so it reflects the earliest live deadline, or
// stops it when no live deadline remains.
func (t *timerQueue) sync() {
	for len(t.heap) > 0 && t.heap[0].cancelled {
		heap.Pop(&t.heap)
	}

	if len(t.heap) == 0 {
		if t.timer.IsSet() {
			t.timer.Stop()
		}
		t.armedAt = time.Time{}

		return
	}

	head := t.heap[0]
	if t.timer.IsSet() {
		if head.deadline.Equal(t.armedAt) {
			return
		}
		t.timer.Stop()
	}

	delay := head.deadline.Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}

	t.timer.Start(delay)
	t.armedAt = head.deadline
}
