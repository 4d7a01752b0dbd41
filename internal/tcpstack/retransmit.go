package tcpstack

import (
	"time"
)

// defaultMaxRetransmitRetries is the retry ceiling used when no operator
// override is configured.
const defaultMaxRetransmitRetries = 15

// pendingSegment is an unacknowledged outbound segment awaiting either an
// acknowledgment covering its full range or a retransmission timeout.
type pendingSegment struct {
	seq             Seq
	data            []byte
	retransmitCount uint32
	firstSent       time.Time
}

// retransmitManager tracks unacknowledged segments keyed by starting
// sequence number and drives a single timer over the earliest-expiring one.
type retransmitManager struct {
	pending    map[Seq]*pendingSegment
	timer      deadlineTimer
	maxRetries uint32
}

// newRetransmitManager builds a retransmit manager allowing up to maxRetries
// retransmissions per segment before the connection is reset; a zero value
// falls back to defaultMaxRetransmitRetries.
func newRetransmitManager(maxRetries uint32) *retransmitManager {
	if maxRetries == 0 {
		maxRetries = defaultMaxRetransmitRetries
	}
	return &retransmitManager{
		pending:    make(map[Seq]*pendingSegment),
		maxRetries: maxRetries,
	}
}

// addSegment records a newly sent segment as pending. The timer is armed
// for rto only when this is the first pending segment; later segments ride
// the existing timer.
func (m *retransmitManager) addSegment(now time.Time, seq Seq, data []byte, rto time.Duration) {
	m.pending[seq] = &pendingSegment{seq: seq, data: data, firstSent: now}
	if len(m.pending) == 1 {
		m.timer.Start(now, rto)
	}
}

// acknowledge removes every pending segment whose range is fully covered by
// ack (cumulative), returning the removed segments. The timer is restarted
// against the remaining segments' own elapsed-based backoff, or canceled if
// nothing remains pending.
func (m *retransmitManager) acknowledge(now time.Time, ack Seq) []*pendingSegment {
	var acked []*pendingSegment
	for key, seg := range m.pending {
		segEnd := seg.seq.Add(uint32(len(seg.data)))
		if ack.AfterEq(segEnd) {
			acked = append(acked, seg)
			delete(m.pending, key)
		}
	}

	if len(m.pending) == 0 {
		m.timer.Cancel()
		return acked
	}

	var minRTO time.Duration
	for _, seg := range m.pending {
		elapsed := now.Sub(seg.firstSent)
		backoff := time.Duration(float64(time.Second) * (1.0 + elapsed.Seconds()*2.0))
		if ceiling := 60 * time.Second; backoff > ceiling {
			backoff = ceiling
		}
		if minRTO == 0 || backoff < minRTO {
			minRTO = backoff
		}
	}
	m.timer.Start(now, minRTO)
	return acked
}

// shouldRetransmit reports whether the timer has expired with segments
// still outstanding.
func (m *retransmitManager) shouldRetransmit(now time.Time) bool {
	return m.timer.Expired(now) && len(m.pending) > 0
}

// getRetransmitSegments returns the pending segments eligible for
// retransmission (those under maxRetries), incrementing each segment's
// retry count and doubling the timer for the next round. Returns nil
// without side effects if the timer has not expired.
func (m *retransmitManager) getRetransmitSegments(now time.Time, rto time.Duration) []*pendingSegment {
	if !m.shouldRetransmit(now) {
		return nil
	}

	var segments []*pendingSegment
	for _, seg := range m.pending {
		seg.retransmitCount++
		if seg.retransmitCount <= m.maxRetries {
			segments = append(segments, seg)
		}
	}

	m.timer.Start(now, rto*2)
	return segments
}

// exhausted reports whether any pending segment has exceeded the retry
// ceiling, signaling the connection should be reset.
func (m *retransmitManager) exhausted() bool {
	for _, seg := range m.pending {
		if seg.retransmitCount > m.maxRetries {
			return true
		}
	}
	return false
}

func (m *retransmitManager) clear() {
	m.pending = make(map[Seq]*pendingSegment)
	m.timer.Cancel()
}

func (m *retransmitManager) pendingCount() int {
	return len(m.pending)
}
