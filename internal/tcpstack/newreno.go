package tcpstack

import "math"

// congestionState names the three NewReno phases.
type congestionState int

const (
	slowStart congestionState = iota
	congestionAvoidance
	fastRecovery
)

func (s congestionState) String() string {
	switch s {
	case slowStart:
		return "SLOW_START"
	case congestionAvoidance:
		return "CONGESTION_AVOIDANCE"
	case fastRecovery:
		return "FAST_RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// newReno implements NewReno congestion control: slow start, congestion
// avoidance, and fast recovery with window inflation on duplicate ACKs.
type newReno struct {
	cwnd              uint32
	ssthresh          uint32
	state             congestionState
	dupAcks           uint32
	lastCwndReduction Seq
	initialMSS        uint32
}

func newNewReno() *newReno {
	const initialMSS = 1460
	return &newReno{
		cwnd:       initialMSS,
		ssthresh:   math.MaxUint32,
		state:      slowStart,
		initialMSS: initialMSS,
	}
}

// onACK folds a new cumulative ACK advancing bytesAcked bytes into the
// congestion window, then clears the duplicate-ACK counter.
func (n *newReno) onACK(ack Seq, bytesAcked uint32) {
	switch n.state {
	case slowStart:
		n.cwnd += bytesAcked
		if n.cwnd >= n.ssthresh {
			n.state = congestionAvoidance
			n.cwnd = n.ssthresh + 2*n.initialMSS
		}
	case congestionAvoidance:
		n.cwnd += n.initialMSS * bytesAcked / n.cwnd
	case fastRecovery:
		if ack.After(n.lastCwndReduction) {
			n.state = congestionAvoidance
			n.cwnd = n.ssthresh
		}
	}
	n.dupAcks = 0
}

// onDuplicateACK counts a duplicate ACK, entering fast retransmit on the
// third and inflating the window by one MSS for each further duplicate
// while already in fast recovery. sndNxt is the highest sequence number
// sent so far, recorded as the recovery point: fast recovery completes
// once an ACK advances past it.
func (n *newReno) onDuplicateACK(sndNxt Seq) {
	n.dupAcks++
	if n.dupAcks == 3 {
		n.enterFastRetransmit(sndNxt)
	} else if n.dupAcks > 3 && n.state == fastRecovery {
		n.cwnd += n.initialMSS
	}
}

func (n *newReno) enterFastRetransmit(sndNxt Seq) {
	n.ssthresh = maxU32(n.cwnd/2, 2*n.initialMSS)
	n.cwnd = n.ssthresh + 3*n.initialMSS
	n.state = fastRecovery
	n.dupAcks = 3
	n.lastCwndReduction = sndNxt
}

// onTimeout resets to slow start following a retransmission timeout.
func (n *newReno) onTimeout() {
	n.ssthresh = maxU32(n.cwnd/2, 2*n.initialMSS)
	n.cwnd = n.initialMSS
	n.state = slowStart
	n.dupAcks = 0
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// EffectiveWindow computes the send quantum a sender may have outstanding
// at once: min(cwnd, snd_wnd), the bound §4.8 describes before subtracting
// whatever is already in flight.
func (n *newReno) EffectiveWindow(sndWnd uint32) uint32 {
	return minU32(n.cwnd, sndWnd)
}
