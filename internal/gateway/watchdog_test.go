package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/sim/queuesim"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

func TestWatchdogStoppedBeforeStartNeverRuns(t *testing.T) {
	h := newHarness(t, queuesim.New(), 0)
	clock := timectrl.NewFakeClock(time.Unix(1700000000, 0))
	cfg := config.LateDecisionConfig{Deadline: time.Second, Policy: config.LateSoft, AutoAdvance: true}
	w := newWatchdog(h.sync, cfg, clock, logging.Noop())

	w.stop()
	done := make(chan struct{})
	w.start(context.Background(), func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("start after stop launched the watchdog")
	}

	clock.Advance(time.Minute)
	if step, _, _ := h.sync.OpenStep(); step != 0 {
		t.Fatalf("open step = %d, want 0", step)
	}
}

func TestWatchdogStopEndsRun(t *testing.T) {
	h := newHarness(t, queuesim.New(), 0)
	clock := timectrl.NewFakeClock(time.Unix(1700000000, 0))
	cfg := config.LateDecisionConfig{Deadline: time.Second, Policy: config.LateSoft}
	w := newWatchdog(h.sync, cfg, clock, logging.Noop())

	done := make(chan struct{})
	w.start(context.Background(), func() { close(done) })
	clock.WaitForWaiters(1)
	w.stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog still running after stop")
	}
}
