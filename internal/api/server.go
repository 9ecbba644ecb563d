package api

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/traffic-gateway/internal/gateway"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
)

// Server implements GatewayServer on top of a gateway.Manager.
type Server struct {
	manager *gateway.Manager
	log     logging.Logger
	now     func() time.Time
}

var _ GatewayServer = (*Server)(nil)

// NewServer wires a Server to the manager and an optional logger.
func NewServer(m *gateway.Manager, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{manager: m, log: log, now: time.Now}
}

func (s *Server) decode(in *structpb.Struct, v any) error {
	if err := Decode(in, v); err != nil {
		return ToStatusError(fmt.Errorf("%w: %v", ErrBadRequest, err))
	}
	return nil
}

func (s *Server) reply(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *Server) episodeRef(in *structpb.Struct) (string, error) {
	var ref EpisodeRef
	if err := s.decode(in, &ref); err != nil {
		return "", err
	}
	if ref.EpisodeID == "" {
		return "", ToStatusError(fmt.Errorf("%w: episode_id is required", ErrBadRequest))
	}
	return ref.EpisodeID, nil
}

func (s *Server) experimentRef(in *structpb.Struct) (string, error) {
	var ref ExperimentRef
	if err := s.decode(in, &ref); err != nil {
		return "", err
	}
	if ref.ExperimentID == "" {
		return "", ToStatusError(fmt.Errorf("%w: experiment_id is required", ErrBadRequest))
	}
	return ref.ExperimentID, nil
}

func (s *Server) GetState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.episodeRef(in)
	if err != nil {
		return nil, err
	}
	snap, step, err := s.manager.State(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return s.reply(StateReply{Step: step, Snapshot: snap})
}

func (s *Server) SubmitAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	if req.EpisodeID == "" {
		return nil, ToStatusError(fmt.Errorf("%w: episode_id is required", ErrBadRequest))
	}
	log := logging.FromContext(ctx, s.log).With(logging.String("episode_id", req.EpisodeID))

	receipt, err := s.manager.SubmitAction(ctx, req.EpisodeID, req.Action)
	if err != nil {
		log.Debug(ctx, "action rejected",
			logging.String("intersection_id", req.Action.IntersectionID),
			logging.Err(err),
		)
		return nil, ToStatusError(err)
	}
	out := SubmitReply{ActionID: receipt.Action.ID, TargetStep: receipt.Action.TargetStep}
	if req.Wait {
		outcome, step, err := receipt.Wait(ctx)
		if err != nil {
			return nil, ToStatusError(err)
		}
		out.Outcome, out.AppliedStep = string(outcome), step
	}
	return s.reply(out)
}

func (s *Server) WithdrawAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req WithdrawRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	if req.EpisodeID == "" || req.ActionID == "" {
		return nil, ToStatusError(fmt.Errorf("%w: episode_id and action_id are required", ErrBadRequest))
	}
	if err := s.manager.WithdrawAction(ctx, req.EpisodeID, req.ActionID); err != nil {
		return nil, ToStatusError(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Advance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.episodeRef(in)
	if err != nil {
		return nil, err
	}
	ctx, span := StartChildSpan(ctx, "Gateway.Advance", "episode", id)
	defer span.End()

	step, err := s.manager.Advance(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	span.SetAttributes(attribute.Int64("step", step))
	return s.reply(AdvanceReply{Step: step})
}

func (s *Server) GetEpisodeStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.episodeRef(in)
	if err != nil {
		return nil, err
	}
	info, err := s.manager.EpisodeStatus(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return s.reply(info)
}

func (s *Server) StartEpisode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.experimentRef(in)
	if err != nil {
		return nil, err
	}
	ep, err := s.manager.StartEpisode(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	info := ep.Info()
	logging.FromContext(ctx, s.log).Info(ctx, "episode started",
		logging.String("experiment_id", info.ExperimentID),
		logging.String("episode_id", info.ID),
		logging.Int64("seed", info.Seed),
	)
	return s.reply(info)
}

func (s *Server) ListExperiments(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	infos := s.manager.Experiments()
	out := ExperimentsReply{Experiments: make([]ExperimentSummary, 0, len(infos))}
	for _, info := range infos {
		out.Experiments = append(out.Experiments, summary(info))
	}
	return s.reply(out)
}

func (s *Server) CloseExperiment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.experimentRef(in)
	if err != nil {
		return nil, err
	}
	if err := s.manager.CloseExperiment(ctx, id); err != nil {
		return nil, ToStatusError(err)
	}
	info, err := s.manager.Experiment(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return s.reply(summary(info))
}

// WatchEpisode streams a Notice for every published step until the
// episode ends or the client goes away. An episode that already ended
// yields a single terminal notice.
func (s *Server) WatchEpisode(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := s.episodeRef(in)
	if err != nil {
		return err
	}
	ep, err := s.manager.Episode(id)
	if err != nil {
		return ToStatusError(err)
	}

	ch, cancel := s.manager.Hub().Subscribe(id)
	defer cancel()

	info := ep.Info()
	if info.Status.Terminal() {
		step := info.EndStep
		if step < 0 {
			step = info.OpenStep
		}
		return s.send(stream, gateway.Notification{
			ExperimentID: info.ExperimentID,
			EpisodeID:    info.ID,
			Step:         step,
			Status:       info.Status,
			Terminal:     true,
			Reason:       info.Reason,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.send(stream, n); err != nil {
				return err
			}
			if n.Terminal {
				return nil
			}
		}
	}
}

func (s *Server) send(stream grpc.ServerStream, n gateway.Notification) error {
	msg, err := Encode(notice(n, s.now()))
	if err != nil {
		return ToStatusError(err)
	}
	return stream.SendMsg(msg)
}
