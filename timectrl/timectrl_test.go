package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	early := c.After(time.Second)
	late := c.After(5 * time.Second)

	c.Advance(2 * time.Second)

	select {
	case got := <-early:
		if want := start.Add(2 * time.Second); !got.Equal(want) {
			t.Fatalf("early fired with %v, want %v", got, want)
		}
	default:
		t.Fatalf("expected early waiter to fire")
	}
	select {
	case <-late:
		t.Fatalf("late waiter fired before its deadline")
	default:
	}
	if got := c.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
}

func TestFakeClockNonPositiveDurationFiresImmediately(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatalf("After(0) should fire immediately")
	}
}

func TestFakeClockWaitForWaiters(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	fired := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(fired)
	}()

	c.WaitForWaiters(1)
	c.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("goroutine was not released by Advance")
	}
}

func TestPacerAcceleratedNeverWaits(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	p := NewPacer(c, time.Second, Accelerated)
	for range 3 {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("accelerated pacer registered waiters")
	}
}

func TestPacerRealTimeWaitsForTick(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	p := NewPacer(c, time.Second, RealTime)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background()) }()

	c.WaitForWaiters(1)
	c.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pacer did not release after one tick")
	}
}

func TestPacerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPacer(nil, time.Hour, RealTime)
	if err := p.Wait(ctx); err == nil {
		t.Fatalf("expected cancelled context to abort Wait")
	}
}

func TestParseMode(t *testing.T) {
	if m, ok := ParseMode("realtime"); !ok || m != RealTime {
		t.Fatalf("ParseMode(realtime) = %v, %v", m, ok)
	}
	if m, ok := ParseMode("accelerated"); !ok || m != Accelerated {
		t.Fatalf("ParseMode(accelerated) = %v, %v", m, ok)
	}
	if _, ok := ParseMode("warp"); ok {
		t.Fatalf("ParseMode(warp) should fail")
	}
}
