// Package tcpstack implements a userspace TCP/IPv4 transport engine: packet
// codec, per-connection control block, reliability, flow and congestion
// control, and a four-tuple demultiplexer, operating over an abstract raw-IP
// send/recv boundary rather than a kernel TCP stack.
package tcpstack

// Seq is a 32-bit TCP sequence number with wrap-aware ordering. Direct
// integer comparison of sequence numbers is forbidden at package-exported
// boundaries; every comparison routes through Before/After.
type Seq uint32

// diff returns (a-b) mod 2^32.
func diff(a, b Seq) uint32 {
	return uint32(a - b)
}

// Before reports whether a precedes b in sequence-space order, i.e. whether
// (b-a) mod 2^32 lies in [1, 2^31).
func (a Seq) Before(b Seq) bool {
	d := diff(b, a)
	return d != 0 && d < 1<<31
}

// After reports whether a follows b.
func (a Seq) After(b Seq) bool {
	return b.Before(a)
}

// BeforeEq reports whether a precedes or equals b.
func (a Seq) BeforeEq(b Seq) bool {
	return a == b || a.Before(b)
}

// AfterEq reports whether a follows or equals b.
func (a Seq) AfterEq(b Seq) bool {
	return a == b || a.After(b)
}

// Add returns a advanced by n bytes, modularly.
func (a Seq) Add(n uint32) Seq {
	return Seq(uint32(a) + n)
}

// Sub returns a moved back by n bytes, modularly.
func (a Seq) Sub(n uint32) Seq {
	return Seq(uint32(a) - n)
}

// Diff returns (a-b) mod 2^32, the forward distance from b to a.
func (a Seq) Diff(b Seq) uint32 {
	return diff(a, b)
}

// inWindow reports whether seq lies in the half-open wrap-aware range
// [start, start+size).
func inWindow(seq, start Seq, size uint32) bool {
	if size == 0 {
		return false
	}
	return seq.Diff(start) < size
}

// rangesOverlap reports whether the wrap-aware half-open ranges
// [aStart, aStart+aLen) and [bStart, bStart+bLen) intersect.
func rangesOverlap(aStart Seq, aLen uint32, bStart Seq, bLen uint32) bool {
	if aLen == 0 || bLen == 0 {
		return false
	}
	aEnd := aStart.Add(aLen)
	bEnd := bStart.Add(bLen)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
