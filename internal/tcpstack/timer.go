package tcpstack

import "time"

// deadlineTimer is a single-shot absolute deadline. Every method takes the
// caller's notion of "now" explicitly rather than reading the wall clock,
// so the single-threaded event loop (which already knows the current tick
// time) drives every timer off one consistent clock read.
type deadlineTimer struct {
	deadline time.Time
	duration time.Duration
	active   bool
}

// Start arms the timer for duration from now.
func (t *deadlineTimer) Start(now time.Time, duration time.Duration) {
	t.duration = duration
	t.deadline = now.Add(duration)
	t.active = true
}

// Cancel disarms the timer.
func (t *deadlineTimer) Cancel() {
	t.active = false
}

// Expired reports whether the timer is armed and its deadline has passed.
func (t *deadlineTimer) Expired(now time.Time) bool {
	return t.active && !now.Before(t.deadline)
}

// Active reports whether the timer is currently armed.
func (t *deadlineTimer) Active() bool {
	return t.active
}

// Remaining returns the time until expiry relative to now, or false if the
// timer isn't armed.
func (t *deadlineTimer) Remaining(now time.Time) (time.Duration, bool) {
	if !t.active {
		return 0, false
	}
	if d := t.deadline.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

// Reset rearms an active timer for its last-used duration relative to now,
// without changing the configured duration. An inactive timer is left
// inactive.
func (t *deadlineTimer) Reset(now time.Time) {
	if t.active {
		t.deadline = now.Add(t.duration)
	}
}
