package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock abstracts wall time so that step deadlines and pacing can be
// driven deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel fires immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a Clock whose time only moves when Advance is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	when time.Time
	ch   chan time.Time
}

// NewFakeClock returns a FakeClock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	c := &FakeClock{current: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a waiter that fires when the clock is advanced past d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{when: c.current.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// Advance moves the clock forward and fires every waiter whose deadline
// has been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	sort.SliceStable(c.waiters, func(i, j int) bool { return c.waiters[i].when.Before(c.waiters[j].when) })
	var due []fakeWaiter
	keep := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.when.After(now) {
			due = append(due, w)
			continue
		}
		keep = append(keep, w)
	}
	c.waiters = keep
	c.changed.Broadcast()
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// Pending returns the number of waiters that have not fired yet.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForWaiters blocks until at least n waiters are pending. Tests use
// it to make sure a goroutine is parked on After before calling Advance.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Mode describes how a Pacer spaces steps.
type Mode int

const (
	// RealTime holds each step for Tick of wall time.
	RealTime Mode = iota
	// Accelerated steps as quickly as the caller can run.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// ParseMode maps "realtime" and "accelerated" onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "realtime", "real-time":
		return RealTime, true
	case "accelerated", "":
		return Accelerated, true
	default:
		return Accelerated, false
	}
}

// Pacer spaces successive steps of a headless run.
type Pacer struct {
	Clock Clock
	Tick  time.Duration
	Mode  Mode

	last time.Time
}

// NewPacer constructs a pacer. A nil clock means Real().
func NewPacer(clock Clock, tick time.Duration, mode Mode) *Pacer {
	if clock == nil {
		clock = Real()
	}
	return &Pacer{Clock: clock, Tick: tick, Mode: mode}
}

// Wait blocks until the next step may start. In Accelerated mode, or
// with a non-positive Tick, it only checks ctx.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Mode == Accelerated || p.Tick <= 0 {
		return nil
	}

	now := p.Clock.Now()
	if p.last.IsZero() {
		p.last = now
		return nil
	}
	remaining := p.Tick - now.Sub(p.last)
	if remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Clock.After(remaining):
		}
	}
	p.last = p.Clock.Now()
	return nil
}
