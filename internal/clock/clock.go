package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
	NewTimer(d time.Duration) Timer
}

// Timer is a resettable single-shot timer bound to a Clock.
type Timer interface {
	C() <-chan time.Time
	// Reset re-arms the timer to fire d from now. It reports whether the timer
	// was still pending.
	Reset(d time.Duration) bool
	// Stop prevents the timer from firing. It reports whether the timer was
	// still pending.
	Stop() bool
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// NewTimer wraps time.NewTimer.
func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r realTimer) Stop() bool                 { return r.t.Stop() }

// Ensure returns clk when non-nil, otherwise the real clock.
func Ensure(clk Clock) Clock {
	if clk != nil {
		return clk
	}
	return Real{}
}
