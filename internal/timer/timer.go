// Package timer abstracts delayed callbacks so reconnection, heartbeat and
// pending-update deadlines can be driven by a fake clock in tests.
package timer

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. Safe to call multiple times.
	// Returns true if the call stopped the timer before it fired.
	Stop() bool
}

// Scheduler creates timers.
type Scheduler interface {
	// AfterFunc calls f in its own goroutine after d elapses unless the
	// returned Timer is stopped first.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real schedules callbacks on the wall clock.
type Real struct{}

// AfterFunc schedules f after d.
//
// Precondition: f must not be nil.
// Postcondition: f will be called after d unless Stop is called first.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	gt := &guardedTimer{}
	gt.timer = time.AfterFunc(d, func() {
		gt.mu.Lock()
		stopped := gt.stopped
		gt.fired = !stopped
		gt.mu.Unlock()
		if !stopped {
			f()
		}
	})
	return gt
}

// guardedTimer closes the window in which time.Timer.Stop returns after the
// callback goroutine has started but before it has run f.
type guardedTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

// Stop prevents the callback from firing.
//
// Postcondition: f will not be called after Stop returns.
func (gt *guardedTimer) Stop() bool {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	if gt.stopped || gt.fired {
		return false
	}
	gt.stopped = true
	gt.timer.Stop()
	return true
}

// Stop stops t if it is non-nil. It is a convenience for optional timers.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
