// Package timer implements single-shot countdown timers with an expiry
// callback.
package timer

import (
	"sync"
	"time"
)

// Timer is a single-shot countdown timer. The expiry callback is invoked
// from its own goroutine, never while the timer lock is held, so it is safe
// to call the Timer methods from within the callback.
type Timer struct {
	mu sync.Mutex

	onExpiry func()
	duration time.Duration
	deadline time.Time
	timer    *time.Timer

	// generation is incremented on every (re)start and stop so that a
	// callback racing with Stop or Start is ignored.
	generation uint64
}

// New creates a new stopped Timer calling onExpiry on expiry.
func New(onExpiry func()) *Timer {
	return &Timer{
		onExpiry: onExpiry,
	}
}

// SetDuration stops the timer and sets the duration used by the next Start.
// Negative durations are treated as zero.
func (t *Timer) SetDuration(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stop()
	if d < 0 {
		d = 0
	}
	t.duration = d
}

// Start (re)starts the timer with the configured duration.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stop()
	gen := t.generation
	t.deadline = time.Now().Add(t.duration)
	t.timer = time.AfterFunc(t.duration, func() {
		t.fire(gen)
	})
}

// Stop stops the timer. It is a no-op when the timer is not running.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stop()
}

// IsStarted returns true when the timer is running.
func (t *Timer) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.timer != nil
}

// RemainingTime returns the time left before expiry, or zero when the timer
// is not running.
func (t *Timer) RemainingTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return 0
	}

	rem := time.Until(t.deadline)
	if rem < 0 {
		return 0
	}
	return rem
}

func (t *Timer) stop() {
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	cb := t.onExpiry
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}
