package simnet

import (
	"math/rand"
	"time"
)

// LinkConfig controls the behaviour of one unidirectional link.
type LinkConfig struct {
	// Delay is the base propagation delay of the link.
	Delay time.Duration

	// DropRate is the probability that a frame disappears in transit.
	DropRate float64

	// CorruptRate is the probability that a single bit of the frame is
	// flipped in transit.
	CorruptRate float64

	// DuplicateRate is the probability that a frame is delivered
	// twice.
	DuplicateRate float64

	// ReorderRate is the probability that a frame is held back long
	// enough to arrive after frames submitted later.
	ReorderRate float64

	// ReorderDelay is the extra latency applied to held back frames.
	ReorderDelay time.Duration
}

// LinkStats counts what the link did to the frames it carried.
type LinkStats struct {
	Submitted  int
	Dropped    int
	Corrupted  int
	Duplicated int
	Reordered  int
}

// Link is a unidirectional, unreliable frame pipe. Frames may be
// dropped, corrupted, duplicated or reordered according to the config;
// fault decisions come from the seeded source so runs are reproducible.
type Link struct {
	net  *Network
	cfg  LinkConfig
	rng  *rand.Rand
	recv func(frame []byte)

	stats LinkStats
}

// NewLink creates a link on the given network. The receive callback is
// wired afterwards with OnReceive, once the consuming endpoint exists.
func NewLink(net *Network, cfg LinkConfig, rng *rand.Rand) *Link {
	return &Link{
		net: net,
		cfg: cfg,
		rng: rng,
	}
}

// OnReceive registers the callback invoked for each arriving frame.
func (l *Link) OnReceive(fn func(frame []byte)) {
	l.recv = fn
}

// Stats returns a copy of the link counters.
func (l *Link) Stats() LinkStats {
	return l.stats
}

// Submit hands one frame to the link. The frame is copied, so the
// caller may reuse its buffer.
func (l *Link) Submit(frame []byte) {
	l.stats.Submitted++

	f := make([]byte, len(frame))
	copy(f, frame)

	if l.rng.Float64() < l.cfg.DropRate {
		l.stats.Dropped++
		log.Tracef("dropping frame of %d bytes", len(f))
		return
	}

	if l.rng.Float64() < l.cfg.CorruptRate {
		l.stats.Corrupted++
		bit := l.rng.Intn(len(f) * 8)
		f[bit/8] ^= 1 << (bit % 8)
		log.Tracef("flipping bit %d", bit)
	}

	delay := l.cfg.Delay
	if l.rng.Float64() < l.cfg.ReorderRate {
		l.stats.Reordered++
		delay += l.cfg.ReorderDelay
	}

	l.deliver(f, delay)

	if l.rng.Float64() < l.cfg.DuplicateRate {
		l.stats.Duplicated++
		l.deliver(f, delay)
	}
}

func (l *Link) deliver(f []byte, delay time.Duration) {
	l.net.Schedule(delay, func() {
		if l.recv != nil {
			l.recv(f)
		}
	})
}
