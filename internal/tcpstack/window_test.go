package tcpstack

import "testing"

func TestSendWindowAdvance(t *testing.T) {
	w := newSendWindow(1000)
	w.advance(Seq(100))
	if w.leftEdge != 100 || w.rightEdge != 1100 {
		t.Fatalf("unexpected edges after advance: left=%d right=%d", w.leftEdge, w.rightEdge)
	}
	// Advancing to an earlier or equal ack must be a no-op.
	w.advance(Seq(50))
	if w.leftEdge != 100 {
		t.Fatalf("advance moved backward: left=%d", w.leftEdge)
	}
	w.advance(Seq(100))
	if w.leftEdge != 100 {
		t.Fatalf("advance moved on equal ack: left=%d", w.leftEdge)
	}
}

func TestSendWindowCanSend(t *testing.T) {
	w := newSendWindow(1000)
	if !w.canSend(0, 1000) {
		t.Fatalf("expected segment exactly filling window to be sendable")
	}
	if w.canSend(0, 1001) {
		t.Fatalf("expected segment exceeding window to be rejected")
	}
	w.advance(500)
	if !w.canSend(500, 1000) {
		t.Fatalf("expected full window after advance to be sendable")
	}
}

func TestSendWindowAvailable(t *testing.T) {
	w := newSendWindow(1000)
	if got := w.available(0); got != 1000 {
		t.Fatalf("expected 1000 available at left edge, got %d", got)
	}
	if got := w.available(1000); got != 0 {
		t.Fatalf("expected 0 available at right edge, got %d", got)
	}
	if got := w.available(600); got != 400 {
		t.Fatalf("expected 400 available at mid-window, got %d", got)
	}
	if got := w.available(2000); got != 0 {
		t.Fatalf("expected 0 available past right edge, got %d", got)
	}
}

func TestSendWindowSetSizePreservesLeftEdge(t *testing.T) {
	w := newSendWindow(1000)
	w.advance(200)
	w.setSize(500)
	if w.leftEdge != 200 {
		t.Fatalf("setSize changed leftEdge: %d", w.leftEdge)
	}
	if w.rightEdge != 700 {
		t.Fatalf("expected rightEdge 700 after resize, got %d", w.rightEdge)
	}
}

func TestSendWindowWrapsAroundSequenceSpace(t *testing.T) {
	w := newSendWindow(1000)
	// advance only moves forward, so walk the left edge around in
	// quarter-space steps to reach the wrap boundary.
	w.advance(Seq(0x40000000))
	w.advance(Seq(0x80000000))
	w.advance(Seq(0xc0000000))
	w.advance(Seq(0xffffffff))
	if w.leftEdge != Seq(0xffffffff) {
		t.Fatalf("expected leftEdge at wrap boundary, got %d", w.leftEdge)
	}
	if w.rightEdge != Seq(999) {
		t.Fatalf("expected rightEdge to wrap to 999, got %d", w.rightEdge)
	}
	if !w.canSend(Seq(0xffffffff), 500) {
		t.Fatalf("expected send across wrap boundary to be allowed")
	}
}
