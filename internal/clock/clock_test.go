package clock_test

import (
	"testing"
	"time"

	"pkt.systems/podstore/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealTimerFires(t *testing.T) {
	t.Parallel()

	timer := clock.Real{}.NewTimer(5 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire within timeout")
	}
}

func TestManualTimerFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManual(start)
	timer := clk.NewTimer(time.Second)
	if clk.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", clk.Pending())
	}
	clk.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}
	clk.Advance(500 * time.Millisecond)
	select {
	case at := <-timer.C():
		if !at.Equal(start.Add(time.Second)) {
			t.Fatalf("expected fire at %v, got %v", start.Add(time.Second), at)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualTimerResetPushesDeadline(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	timer := clk.NewTimer(time.Second)
	clk.Advance(900 * time.Millisecond)
	if !timer.Reset(time.Second) {
		t.Fatal("expected reset of pending timer to report true")
	}
	clk.Advance(900 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before the extended deadline")
	default:
	}
	clk.Advance(100 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at the extended deadline")
	}
}

func TestManualTimerStop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	timer := clk.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("expected stop of pending timer to report true")
	}
	if timer.Stop() {
		t.Fatal("expected second stop to report false")
	}
	clk.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
