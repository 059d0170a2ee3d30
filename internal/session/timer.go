package session

import (
	"sync"
	"time"
)

// Timer is the countdown engine for a timed session. It ticks once per
// interval, invokes the expiry callback exactly once when the budget reaches
// zero, and never starts for a nil budget (untimed exam).
type Timer struct {
	mu        sync.Mutex
	interval  time.Duration
	gen       int
	remaining int
	stop      chan struct{}
}

// NewTimer creates a Timer with the given tick interval. A zero interval
// defaults to one second.
func NewTimer(interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{interval: interval}
}

// Start begins counting down from budget seconds. Calling Start while a
// countdown is running replaces it — intervals never stack. A nil budget is
// an untimed exam: the engine never starts and onExpire never fires.
func (t *Timer) Start(budget *int, onTick func(remaining int), onExpire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	if budget == nil {
		return
	}

	t.gen++
	t.remaining = *budget

	// A budget already at or below zero (resume after the deadline passed)
	// expires immediately instead of waiting out a full tick.
	if t.remaining <= 0 {
		t.remaining = 0
		gen := t.gen
		go t.expireNow(gen, onTick, onExpire)
		return
	}

	stop := make(chan struct{})
	t.stop = stop

	go t.run(t.gen, stop, onTick, onExpire)
}

func (t *Timer) expireNow(gen int, onTick func(int), onExpire func()) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.mu.Unlock()

	if onTick != nil {
		onTick(0)
	}
	if onExpire != nil {
		onExpire()
	}
}

// Stop cancels the countdown. Idempotent; safe to call after expiry.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Remaining returns the current remaining seconds, or nil if no countdown
// has been started.
func (t *Timer) Remaining() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return nil
	}
	rem := t.remaining
	return &rem
}

func (t *Timer) stopLocked() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	// Invalidate any tick already in flight.
	t.gen++
}

func (t *Timer) run(gen int, stop chan struct{}, onTick func(int), onExpire func()) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.gen != gen {
				t.mu.Unlock()
				return
			}
			t.remaining--
			rem := t.remaining
			if rem <= 0 {
				// Terminal tick: clear state under the lock so a racing
				// Stop cannot double-fire the expiry.
				t.stop = nil
				t.gen++
			}
			t.mu.Unlock()

			if onTick != nil {
				onTick(rem)
			}
			if rem <= 0 {
				if onExpire != nil {
					onExpire()
				}
				return
			}
		}
	}
}
