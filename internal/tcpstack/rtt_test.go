package tcpstack

import (
	"testing"
	"time"
)

func TestRTTEstimatorFirstSample(t *testing.T) {
	e := newRTTEstimator()
	e.sample(100 * time.Millisecond)
	if e.srtt != 100*time.Millisecond {
		t.Fatalf("expected srtt seeded to first sample, got %v", e.srtt)
	}
	if e.rttvar != 50*time.Millisecond {
		t.Fatalf("expected rttvar seeded to half the first sample, got %v", e.rttvar)
	}
}

func TestRTTEstimatorConvergesOnStableRTT(t *testing.T) {
	e := newRTTEstimator()
	for i := 0; i < 50; i++ {
		e.sample(100 * time.Millisecond)
	}
	if d := e.srtt - 100*time.Millisecond; d > time.Millisecond || d < -time.Millisecond {
		t.Fatalf("expected srtt to converge near 100ms, got %v", e.srtt)
	}
	if e.rttvar > 5*time.Millisecond {
		t.Fatalf("expected rttvar to shrink toward zero on stable samples, got %v", e.rttvar)
	}
}

func TestRTTEstimatorRTOFloor(t *testing.T) {
	e := newRTTEstimator()
	if e.rto() != minRTO {
		t.Fatalf("expected unprimed estimator to report the rto floor, got %v", e.rto())
	}
	e.sample(10 * time.Millisecond)
	if e.rto() < minRTO {
		t.Fatalf("expected rto never below the floor, got %v", e.rto())
	}
}

func TestRTTEstimatorWidensOnJitter(t *testing.T) {
	e := newRTTEstimator()
	// Samples large enough that both RTOs sit above the 1s floor.
	e.sample(400 * time.Millisecond)
	rtoBefore := e.rto()
	e.sample(1600 * time.Millisecond)
	if e.rto() <= rtoBefore {
		t.Fatalf("expected rto to widen after a jittery sample: before=%v after=%v", rtoBefore, e.rto())
	}
}
