// Package timertest provides a manually advanced Scheduler for tests.
package timertest

import (
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/tablesync/internal/timer"
)

// Fake is a timer.Scheduler whose clock only moves when Advance is called.
// Callbacks run synchronously on the goroutine calling Advance or Fire.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  []*fakeTimer
	history []time.Duration
}

type fakeTimer struct {
	fake    *Fake
	seq     int
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// New returns a Fake whose clock starts at a fixed instant.
func New() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn at Now()+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) timer.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ft := &fakeTimer{fake: f, seq: f.seq, at: f.now.Add(d), delay: d, f: fn}
	f.timers = append(f.timers, ft)
	f.history = append(f.history, d)
	return ft
}

// Stop cancels the timer.
func (t *fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, firing every timer that becomes due,
// in deadline order. Timers scheduled by callbacks fire too if they fall due
// within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.at.After(f.now) {
			f.now = next.at
		}
		next.fired = true
		f.mu.Unlock()
		next.f()
	}
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range f.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// FireNext fires the earliest active timer regardless of its deadline,
// moving the clock to that deadline.
//
// Postcondition: Returns false if no timer was active.
func (f *Fake) FireNext() bool {
	f.mu.Lock()
	next := f.nextDueLocked(time.Unix(1<<62, 0))
	if next == nil {
		f.mu.Unlock()
		return false
	}
	if next.at.After(f.now) {
		f.now = next.at
	}
	next.fired = true
	f.mu.Unlock()
	next.f()
	return true
}

// Active returns the delays of timers that have neither fired nor been
// stopped, in scheduling order.
func (f *Fake) Active() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Duration
	active := make([]*fakeTimer, 0, len(f.timers))
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].seq < active[j].seq })
	for _, t := range active {
		out = append(out, t.delay)
	}
	return out
}

// History returns the delay of every timer ever scheduled, in order.
func (f *Fake) History() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.history...)
}

// Reset forgets the scheduling history without touching active timers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = nil
}
