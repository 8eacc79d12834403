// Package attempt implements the client-side attempt-taking engine: the
// countdown timer, the in-memory answer buffer, the debounced autosave
// scheduler, and the session controller that ties them to the upstream
// exam API.
package attempt

import (
	"sync"
	"time"
)

// Timer is the attempt countdown clock. Remaining time is always derived
// from the server-supplied start timestamp and the configured duration, so
// a session rebuilt after a reload reconstructs the correct remaining
// budget instead of resetting it.
//
// The expiry callback fires at most once. After Stop returns, neither a
// tick nor the expiry callback will fire again.
type Timer struct {
	mu       sync.Mutex
	deadline time.Time
	stopped  bool
	expired  bool
	stopCh   chan struct{}
	onExpire func()
	now      func() time.Time
}

// NewTimer builds a timer for an attempt that started at startedAt with the
// given total duration. onExpire may be nil. A duration that has already
// elapsed (or was never positive) marks the timer expired immediately; Start
// then fires onExpire once without ever ticking.
func NewTimer(duration time.Duration, startedAt time.Time, onExpire func()) *Timer {
	t := &Timer{
		deadline: startedAt.Add(duration),
		stopCh:   make(chan struct{}),
		onExpire: onExpire,
		now:      time.Now,
	}
	if t.remaining() <= 0 {
		t.expired = true
	}
	return t
}

// NewTimerFromRemaining builds a timer directly from a remaining budget, for
// callers that already resolved the countdown server-side.
func NewTimerFromRemaining(remaining time.Duration, onExpire func()) *Timer {
	return NewTimer(remaining, time.Now(), onExpire)
}

// RemainingSeconds returns the whole seconds left, clamped to >= 0.
func (t *Timer) RemainingSeconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining()
}

func (t *Timer) remaining() int {
	rem := int(t.deadline.Sub(t.now()) / time.Second)
	if rem < 0 {
		return 0
	}
	return rem
}

// Expired reports whether the countdown has reached zero.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Start begins ticking at 1-second granularity. An already-expired timer
// fires the expiry callback immediately and never ticks.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.expired {
		t.stopped = true
		cb := t.onExpire
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	t.mu.Unlock()

	go t.run()
}

func (t *Timer) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.stopped {
				t.mu.Unlock()
				return
			}
			if t.remaining() > 0 {
				t.mu.Unlock()
				continue
			}

			// Countdown hit zero: self-stop before invoking the callback so
			// a concurrent Stop is a no-op and the callback cannot fire
			// twice.
			t.expired = true
			t.stopped = true
			cb := t.onExpire
			t.mu.Unlock()
			if cb != nil {
				cb()
			}
			return
		}
	}
}

// Stop cancels the countdown. Once Stop has returned, no tick or expiry
// callback will be delivered. Safe to call more than once and after expiry.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
}
