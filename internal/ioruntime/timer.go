package ioruntime

import "time"

// IdleTimer is a renewable timer bound to a strand: every call to Extend
// rearms it for the same duration, and its expiry handler always runs on
// the owning strand. Every meaningful event on a session rearms its timer,
// and timer completion is always handled on that session's own strand.
//
// There is no "operation aborted on reset" status to disambiguate here:
// time.Timer.Reset simply rearms, and the fired goroutine callback is only
// ever invoked for a deadline that actually elapsed, so every invocation
// this type delivers is a genuine expiry.
type IdleTimer struct {
	strand   *Strand
	duration time.Duration
	onExpire func()

	timer *time.Timer
}

// NewIdleTimer creates a stopped timer; call Extend to arm it for the
// first time.
func NewIdleTimer(strand *Strand, duration time.Duration, onExpire func()) *IdleTimer {
	return &IdleTimer{strand: strand, duration: duration, onExpire: onExpire}
}

// Extend (re)arms the timer for Duration from now. Must be called from the
// owning strand, matching every other mutation of session state.
func (t *IdleTimer) Extend() {
	if t.timer == nil {
		t.timer = time.AfterFunc(t.duration, t.fire)
		return
	}
	t.timer.Reset(t.duration)
}

// Stop disarms the timer; its expiry handler will not fire afterwards
// unless Extend is called again.
func (t *IdleTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *IdleTimer) fire() {
	t.strand.Post(t.onExpire)
}
