package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	at      time.Time
	ch      chan time.Time
	pending bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// NewTimer schedules a timer that fires once the clock has advanced by d.
func (m *Manual) NewTimer(d time.Duration) Timer {
	timer := &manualTimer{clock: m, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	m.arm(timer, d)
	m.mu.Unlock()
	return timer
}

// arm must be called with m.mu held.
func (m *Manual) arm(timer *manualTimer, d time.Duration) {
	if d <= 0 {
		timer.pending = false
		m.fire(timer, m.now)
		return
	}
	timer.at = m.now.Add(d)
	if !timer.pending {
		timer.pending = true
		m.timers = append(m.timers, timer)
	}
}

// fire must be called with m.mu held.
func (m *Manual) fire(timer *manualTimer, now time.Time) {
	select {
	case timer.ch <- now:
	default:
	}
}

// disarm must be called with m.mu held.
func (m *Manual) disarm(timer *manualTimer) bool {
	if !timer.pending {
		return false
	}
	timer.pending = false
	for i, candidate := range m.timers {
		if candidate == timer {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := t.pending
	// Drain a stale fire so the next receive observes the new deadline.
	select {
	case <-t.ch:
	default:
	}
	t.clock.arm(t, d)
	return wasPending
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.disarm(t)
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	if len(m.timers) == 0 {
		m.mu.Unlock()
		return now
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.pending = false
		m.fire(timer, now)
	}
	m.timers = remaining
	m.mu.Unlock()
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
