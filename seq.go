package arq

// MaxSeq is the largest sequence number. All sequence arithmetic is
// modulo MaxSeq+1, which uint8 wraparound provides for free.
const MaxSeq = 255

// Seq is an 8-bit packet sequence number. Because the window size never
// exceeds half the sequence space, the signed-wrap comparisons below
// unambiguously order any two sequence numbers that can be co-present in
// the protocol.
type Seq uint8

// LessThan reports whether s comes before o in modular order.
func (s Seq) LessThan(o Seq) bool {
	return int8(s-o) < 0
}

// LessThanEq reports whether s equals o or comes before it.
func (s Seq) LessThanEq(o Seq) bool {
	return s == o || s.LessThan(o)
}

// InRange reports whether s lies in the half-open modular interval
// [a, b). An interval with a == b is empty.
func (s Seq) InRange(a, b Seq) bool {
	return s-a < b-a
}

// Add returns the sequence number n positions after s.
func (s Seq) Add(n uint8) Seq {
	return s + Seq(n)
}

// Next returns the sequence number directly after s.
func (s Seq) Next() Seq {
	return s + 1
}

// Prev returns the sequence number directly before s.
func (s Seq) Prev() Seq {
	return s - 1
}
