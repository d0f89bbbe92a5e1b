package tcp

// Seq is a 32-bit TCP sequence number; comparisons must account for
// wraparound, per RFC 793 §3.3.
type Seq uint32

// LessThan reports whether a precedes b in sequence-space order.
func (a Seq) LessThan(b Seq) bool { return int32(a-b) < 0 }

// LessEq reports whether a precedes or equals b.
func (a Seq) LessEq(b Seq) bool { return a == b || a.LessThan(b) }

// InRange reports whether seq is in [lo, hi) in sequence-space order.
func InRange(seq, lo, hi Seq) bool {
	return lo.LessEq(seq) && seq.LessThan(hi)
}

// Add returns a+n.
func (a Seq) Add(n int) Seq { return a + Seq(uint32(n)) }

// Diff returns b-a as a plain integer difference.
func Diff(b, a Seq) int32 { return int32(b - a) }
