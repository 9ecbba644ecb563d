package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// RequestClass distinguishes what an admitted request will do.
type RequestClass string

const (
	ClassRead     RequestClass = "read"
	ClassAction   RequestClass = "action"
	ClassWithdraw RequestClass = "withdraw"
	ClassAdvance  RequestClass = "advance"
)

// StepGate exposes whether a step transition is in flight.
type StepGate interface {
	Advancing() (bool, <-chan struct{})
}

// Admission is the backpressure controller in front of one episode. It
// never buffers without bound: a request is refused outright when the
// in-flight slots are taken or the token bucket is empty, and a read or
// write arriving mid-advance waits only while the advance queue has room
// and only for the configured wait.
type Admission struct {
	limiter     *rate.Limiter
	slots       chan struct{}
	bound       int
	advanceWait time.Duration
	retryAfter  time.Duration
	clock       timectrl.Clock

	mu      sync.Mutex
	waiting int
}

// NewAdmission builds a controller from cfg. A zero rate disables the
// token bucket.
func NewAdmission(cfg config.AdmissionConfig, clock timectrl.Clock) *Admission {
	if clock == nil {
		clock = timectrl.Real()
	}
	limit := rate.Inf
	retry := 10 * time.Millisecond
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		retry = time.Duration(float64(time.Second) / cfg.Rate)
	}
	burst := max(cfg.Burst, 1)
	capacity := max(cfg.QueueCapacity, 1)
	return &Admission{
		limiter:     rate.NewLimiter(limit, burst),
		slots:       make(chan struct{}, capacity),
		bound:       cfg.AdvanceQueueBound,
		advanceWait: cfg.AdvanceWait,
		retryAfter:  retry,
		clock:       clock,
	}
}

// Admit reserves capacity for one request. On success the caller must
// invoke release when the request is finished. Rejections are Overload
// or Desynchronization *Rejection values; a cancelled ctx returns its
// error.
func (a *Admission) Admit(ctx context.Context, class RequestClass, gate StepGate) (release func(), err error) {
	select {
	case a.slots <- struct{}{}:
	default:
		return nil, a.overload(ReasonQueueFull, "%d requests already in flight", cap(a.slots))
	}
	release = func() { <-a.slots }

	if !a.limiter.AllowN(a.clock.Now(), 1) {
		release()
		return nil, a.overload(ReasonRateLimited, "request rate exceeds %.0f/s", float64(a.limiter.Limit()))
	}

	if class == ClassAdvance || gate == nil {
		return release, nil
	}
	advancing, closed := gate.Advancing()
	if !advancing {
		return release, nil
	}

	a.mu.Lock()
	if a.waiting >= a.bound {
		a.mu.Unlock()
		release()
		return nil, a.overload(ReasonAdvanceQueueFull, "%d requests already waiting for the step to close", a.bound)
	}
	a.waiting++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.waiting--
		a.mu.Unlock()
	}()

	select {
	case <-closed:
		return release, nil
	case <-a.clock.After(a.advanceWait):
		release()
		return nil, &Rejection{
			Kind:       KindDesynchronization,
			Reason:     ReasonAdvanceWaitExceeded,
			Detail:     "step did not close within " + a.advanceWait.String(),
			RetryAfter: a.advanceWait,
		}
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Waiting returns the number of requests parked behind an advance.
func (a *Admission) Waiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiting
}

func (a *Admission) overload(reason, format string, args ...any) *Rejection {
	r := reject(KindOverload, reason, 0, format, args...)
	r.RetryAfter = a.retryAfter
	return r
}
