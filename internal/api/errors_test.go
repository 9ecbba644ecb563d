package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		reason  string
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid action", err: &gateway.Rejection{Kind: gateway.KindInvalidAction, Reason: gateway.ReasonInvalidPhase}, code: codes.InvalidArgument, reason: gateway.ReasonInvalidPhase},
		{name: "stale action", err: &gateway.Rejection{Kind: gateway.KindStaleAction, Reason: gateway.ReasonStaleStep}, code: codes.FailedPrecondition, reason: gateway.ReasonStaleStep},
		{name: "step in progress", err: &gateway.Rejection{Kind: gateway.KindStepInProgress, Reason: gateway.ReasonStepInProgress}, code: codes.Aborted, reason: gateway.ReasonStepInProgress},
		{name: "overload", err: &gateway.Rejection{Kind: gateway.KindOverload, Reason: gateway.ReasonQueueFull}, code: codes.ResourceExhausted, reason: gateway.ReasonQueueFull},
		{name: "desync", err: &gateway.Rejection{Kind: gateway.KindDesynchronization, Reason: gateway.ReasonAdvanceWaitExceeded}, code: codes.Unavailable, reason: gateway.ReasonAdvanceWaitExceeded},
		{name: "simulator failure", err: &gateway.Rejection{Kind: gateway.KindSimulatorFailure, Reason: gateway.ReasonSimulatorFailure}, code: codes.Internal, reason: gateway.ReasonSimulatorFailure},
		{name: "terminated", err: &gateway.Rejection{Kind: gateway.KindEpisodeTerminated, Reason: gateway.ReasonEpisodeTerminated}, code: codes.FailedPrecondition, reason: gateway.ReasonEpisodeTerminated},
		{name: "wrapped rejection", err: fmt.Errorf("submit: %w", &gateway.Rejection{Kind: gateway.KindInvalidAction, Reason: gateway.ReasonMalformedAction}), code: codes.InvalidArgument, reason: gateway.ReasonMalformedAction},
		{name: "episode not found", err: fmt.Errorf("%w: ep", gateway.ErrEpisodeNotFound), code: codes.NotFound, reason: "EpisodeNotFound"},
		{name: "experiment exists", err: gateway.ErrExperimentExists, code: codes.AlreadyExists, reason: "ExperimentExists"},
		{name: "episode running", err: gateway.ErrEpisodeRunning, code: codes.FailedPrecondition, reason: "EpisodeRunning"},
		{name: "invalid config", err: config.ErrInvalidConfig, code: codes.InvalidArgument, reason: "InvalidConfig"},
		{name: "bad request", err: fmt.Errorf("%w: nope", ErrBadRequest), code: codes.InvalidArgument, reason: "BadRequest"},
		{name: "canceled", err: context.Canceled, code: codes.Canceled},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			st := status.Convert(got)
			if st.Code() != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, st.Code(), tc.code)
			}
			if tc.reason == "" {
				return
			}
			info := errorInfo(st)
			if info == nil || info.GetReason() != tc.reason || info.GetDomain() != ErrorDomain {
				t.Fatalf("ErrorInfo = %v, want reason %s", info, tc.reason)
			}
		})
	}
}

func errorInfo(st *status.Status) *errdetails.ErrorInfo {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info
		}
	}
	return nil
}

func TestRetryInfoOnlyWhenBackoffIsAdvised(t *testing.T) {
	t.Parallel()

	withRetry := ToStatusError(&gateway.Rejection{Kind: gateway.KindOverload, Reason: gateway.ReasonRateLimited, RetryAfter: 250 * time.Millisecond})
	var retry *errdetails.RetryInfo
	for _, d := range status.Convert(withRetry).Details() {
		if r, ok := d.(*errdetails.RetryInfo); ok {
			retry = r
		}
	}
	if retry == nil || retry.GetRetryDelay().AsDuration() != 250*time.Millisecond {
		t.Fatalf("RetryInfo = %v", retry)
	}

	plain := ToStatusError(&gateway.Rejection{Kind: gateway.KindInvalidAction, Reason: gateway.ReasonInvalidPhase})
	for _, d := range status.Convert(plain).Details() {
		if _, ok := d.(*errdetails.RetryInfo); ok {
			t.Fatal("invalid action carries RetryInfo")
		}
	}
}

func TestFromStatusErrorRestoresGatewayErrors(t *testing.T) {
	t.Parallel()

	in := &gateway.Rejection{
		Kind:       gateway.KindDesynchronization,
		Reason:     gateway.ReasonAdvanceWaitExceeded,
		Detail:     "advance still running",
		Step:       12,
		RetryAfter: 40 * time.Millisecond,
	}
	out := FromStatusError(ToStatusError(in))
	rej, ok := gateway.AsRejection(out)
	if !ok {
		t.Fatalf("FromStatusError = %T %v, want rejection", out, out)
	}
	if *rej != *in {
		t.Fatalf("round trip = %+v, want %+v", rej, in)
	}
	if !errors.Is(out, gateway.ErrDesynchronization) {
		t.Fatal("errors.Is lost the kind sentinel")
	}

	nf := FromStatusError(ToStatusError(fmt.Errorf("%w: ep-9", gateway.ErrEpisodeNotFound)))
	if !errors.Is(nf, gateway.ErrEpisodeNotFound) {
		t.Fatalf("FromStatusError = %v, want episode not found", nf)
	}

	foreign := status.Error(codes.Unimplemented, "nope")
	if got := FromStatusError(foreign); got != foreign {
		t.Fatalf("foreign status rewritten: %v", got)
	}
}
