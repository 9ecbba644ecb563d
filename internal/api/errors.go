package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
)

// ErrorDomain is the ErrorInfo domain of every status this API returns.
const ErrorDomain = "trafficgw"

// ErrBadRequest is returned when a request document cannot be decoded.
var ErrBadRequest = errors.New("bad request")

var kindCodes = map[gateway.Kind]codes.Code{
	gateway.KindInvalidAction:     codes.InvalidArgument,
	gateway.KindStaleAction:       codes.FailedPrecondition,
	gateway.KindStepInProgress:    codes.Aborted,
	gateway.KindDesynchronization: codes.Unavailable,
	gateway.KindOverload:          codes.ResourceExhausted,
	gateway.KindSimulatorFailure:  codes.Internal,
	gateway.KindLateDecision:      codes.DeadlineExceeded,
	gateway.KindEpisodeTerminated: codes.FailedPrecondition,
}

// Lifecycle errors travel as ErrorInfo reasons so clients can match them
// with errors.Is again.
var lifecycle = []struct {
	err    error
	reason string
	code   codes.Code
}{
	{gateway.ErrExperimentNotFound, "ExperimentNotFound", codes.NotFound},
	{gateway.ErrEpisodeNotFound, "EpisodeNotFound", codes.NotFound},
	{gateway.ErrExperimentExists, "ExperimentExists", codes.AlreadyExists},
	{gateway.ErrExperimentClosed, "ExperimentClosed", codes.FailedPrecondition},
	{gateway.ErrEpisodeRunning, "EpisodeRunning", codes.FailedPrecondition},
	{gateway.ErrEpisodeLimit, "EpisodeLimit", codes.FailedPrecondition},
	{config.ErrInvalidConfig, "InvalidConfig", codes.InvalidArgument},
	{ErrBadRequest, "BadRequest", codes.InvalidArgument},
}

// ToStatusError maps gateway errors onto gRPC statuses. Rejections carry
// an ErrorInfo with the reason code and, when the client should back
// off, a RetryInfo.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	if rej, ok := gateway.AsRejection(err); ok {
		code, known := kindCodes[rej.Kind]
		if !known {
			code = codes.Internal
		}
		details := []protoadapt.MessageV1{&errdetails.ErrorInfo{
			Reason: rej.Reason,
			Domain: ErrorDomain,
			Metadata: map[string]string{
				"kind":   string(rej.Kind),
				"step":   strconv.FormatInt(rej.Step, 10),
				"detail": rej.Detail,
			},
		}}
		if rej.RetryAfter > 0 {
			details = append(details, &errdetails.RetryInfo{RetryDelay: durationpb.New(rej.RetryAfter)})
		}
		return withDetails(status.New(code, rej.Error()), details...)
	}

	for _, l := range lifecycle {
		if errors.Is(err, l.err) {
			return withDetails(status.New(l.code, err.Error()), &errdetails.ErrorInfo{Reason: l.reason, Domain: ErrorDomain})
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func withDetails(st *status.Status, details ...protoadapt.MessageV1) error {
	if rich, err := st.WithDetails(details...); err == nil {
		return rich.Err()
	}
	return st.Err()
}

// FromStatusError turns a status produced by ToStatusError back into a
// gateway error so callers can use errors.Is and gateway.AsRejection.
// Other errors are returned unchanged.
func FromStatusError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var info *errdetails.ErrorInfo
	var retry *errdetails.RetryInfo
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			if v.GetDomain() == ErrorDomain {
				info = v
			}
		case *errdetails.RetryInfo:
			retry = v
		}
	}
	if info == nil {
		return err
	}

	if kind := info.GetMetadata()["kind"]; kind != "" {
		rej := &gateway.Rejection{
			Kind:   gateway.Kind(kind),
			Reason: info.GetReason(),
			Detail: info.GetMetadata()["detail"],
		}
		rej.Step, _ = strconv.ParseInt(info.GetMetadata()["step"], 10, 64)
		if retry != nil {
			rej.RetryAfter = retry.GetRetryDelay().AsDuration()
		}
		return rej
	}
	for _, l := range lifecycle {
		if l.reason == info.GetReason() {
			return fmt.Errorf("%w: %s", l.err, st.Message())
		}
	}
	return err
}
