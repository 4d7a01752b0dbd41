package tcpstack

import "testing"

func TestNewRenoSlowStartGrowsByBytesAcked(t *testing.T) {
	n := newNewReno()
	before := n.cwnd
	n.onACK(1000, 1460)
	if n.cwnd != before+1460 {
		t.Fatalf("expected cwnd to grow by bytes acked in slow start, got %d", n.cwnd)
	}
	if n.state != slowStart {
		t.Fatalf("expected to remain in slow start, got %s", n.state)
	}
}

func TestNewRenoTransitionsToCongestionAvoidance(t *testing.T) {
	n := newNewReno()
	n.ssthresh = 2000
	n.onACK(1000, 1460)
	if n.state != congestionAvoidance {
		t.Fatalf("expected transition to congestion avoidance once cwnd>=ssthresh, got %s", n.state)
	}
	if n.cwnd != n.ssthresh+2*n.initialMSS {
		t.Fatalf("expected cwnd reset to ssthresh+2*mss, got %d", n.cwnd)
	}
}

func TestNewRenoCongestionAvoidanceGrowsSlowly(t *testing.T) {
	n := newNewReno()
	n.state = congestionAvoidance
	n.cwnd = 2920
	before := n.cwnd
	n.onACK(1000, 1460)
	if n.cwnd <= before {
		t.Fatalf("expected cwnd to grow in congestion avoidance, got %d (was %d)", n.cwnd, before)
	}
	if n.cwnd > before+n.initialMSS {
		t.Fatalf("expected sub-linear per-ack growth, got %d", n.cwnd)
	}
}

func TestNewRenoThirdDuplicateAckEntersFastRetransmit(t *testing.T) {
	n := newNewReno()
	n.cwnd = 10000
	n.onDuplicateACK(5000)
	n.onDuplicateACK(5000)
	if n.state != slowStart {
		t.Fatalf("expected no state change before third duplicate, got %s", n.state)
	}
	n.onDuplicateACK(5000)
	if n.state != fastRecovery {
		t.Fatalf("expected fast recovery after third duplicate ack, got %s", n.state)
	}
	if n.lastCwndReduction != Seq(5000) {
		t.Fatalf("expected recovery point recorded, got %d", n.lastCwndReduction)
	}
}

func TestNewRenoFastRecoveryInflatesOnFurtherDuplicates(t *testing.T) {
	n := newNewReno()
	n.cwnd = 10000
	for i := 0; i < 3; i++ {
		n.onDuplicateACK(5000)
	}
	cwndAfterEntry := n.cwnd
	n.onDuplicateACK(5000)
	if n.cwnd != cwndAfterEntry+n.initialMSS {
		t.Fatalf("expected cwnd inflation by one mss, got %d (was %d)", n.cwnd, cwndAfterEntry)
	}
}

func TestNewRenoFastRecoveryCompletesOnAckPastRecoveryPoint(t *testing.T) {
	n := newNewReno()
	n.cwnd = 10000
	for i := 0; i < 3; i++ {
		n.onDuplicateACK(5000)
	}
	n.onACK(5001, 1)
	if n.state != congestionAvoidance {
		t.Fatalf("expected exit to congestion avoidance once ack passes recovery point, got %s", n.state)
	}
	if n.cwnd != n.ssthresh {
		t.Fatalf("expected cwnd deflated to ssthresh, got %d", n.cwnd)
	}
}

func TestNewRenoTimeoutResetsToSlowStart(t *testing.T) {
	n := newNewReno()
	n.cwnd = 20000
	n.dupAcks = 2
	n.onTimeout()
	if n.state != slowStart {
		t.Fatalf("expected slow start after timeout, got %s", n.state)
	}
	if n.cwnd != n.initialMSS {
		t.Fatalf("expected cwnd collapsed to one mss, got %d", n.cwnd)
	}
	if n.dupAcks != 0 {
		t.Fatalf("expected dup ack counter reset, got %d", n.dupAcks)
	}
}
