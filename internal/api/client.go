package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// Client calls a remote gateway. Errors come back as gateway errors, so
// errors.Is and gateway.AsRejection work as they do in-process.
type Client struct {
	cc     grpc.ClientConnInterface
	closer io.Closer
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a connection to target. Close releases it.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, closer: conn}, nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func outgoing(ctx context.Context) context.Context {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		return metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, id)
	}
	return ctx
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(outgoing(ctx), FullMethod(method), in, out); err != nil {
		return FromStatusError(err)
	}
	if resp == nil {
		return nil
	}
	return Decode(out, resp)
}

// State returns the latest snapshot of an episode.
func (c *Client) State(ctx context.Context, episodeID string) (StateReply, error) {
	var out StateReply
	err := c.call(ctx, MethodGetState, EpisodeRef{EpisodeID: episodeID}, &out)
	return out, err
}

// Submit offers an action. With wait set the call returns once the
// action was applied or dropped.
func (c *Client) Submit(ctx context.Context, episodeID string, a model.ControlAction, wait bool) (SubmitReply, error) {
	var out SubmitReply
	err := c.call(ctx, MethodSubmitAction, SubmitRequest{EpisodeID: episodeID, Action: a, Wait: wait}, &out)
	return out, err
}

func (c *Client) Withdraw(ctx context.Context, episodeID, actionID string) error {
	return c.call(ctx, MethodWithdrawAction, WithdrawRequest{EpisodeID: episodeID, ActionID: actionID}, nil)
}

func (c *Client) Advance(ctx context.Context, episodeID string) (int64, error) {
	var out AdvanceReply
	err := c.call(ctx, MethodAdvance, EpisodeRef{EpisodeID: episodeID}, &out)
	return out.Step, err
}

func (c *Client) EpisodeStatus(ctx context.Context, episodeID string) (model.EpisodeInfo, error) {
	var out model.EpisodeInfo
	err := c.call(ctx, MethodGetEpisodeStatus, EpisodeRef{EpisodeID: episodeID}, &out)
	return out, err
}

func (c *Client) StartEpisode(ctx context.Context, experimentID string) (model.EpisodeInfo, error) {
	var out model.EpisodeInfo
	err := c.call(ctx, MethodStartEpisode, ExperimentRef{ExperimentID: experimentID}, &out)
	return out, err
}

func (c *Client) Experiments(ctx context.Context) ([]ExperimentSummary, error) {
	var out ExperimentsReply
	err := c.call(ctx, MethodListExperiments, struct{}{}, &out)
	return out.Experiments, err
}

func (c *Client) CloseExperiment(ctx context.Context, experimentID string) (ExperimentSummary, error) {
	var out ExperimentSummary
	err := c.call(ctx, MethodCloseExperiment, ExperimentRef{ExperimentID: experimentID}, &out)
	return out, err
}

// NoticeStream receives episode notifications.
type NoticeStream struct {
	stream grpc.ClientStream
}

// Recv returns the next notice, or io.EOF once the episode ended and the
// server closed the stream.
func (s *NoticeStream) Recv() (Notice, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		if errors.Is(err, io.EOF) {
			return Notice{}, io.EOF
		}
		return Notice{}, FromStatusError(err)
	}
	var n Notice
	err := Decode(out, &n)
	return n, err
}

// Watch subscribes to an episode's notifications. Cancel ctx to stop.
func (c *Client) Watch(ctx context.Context, episodeID string) (*NoticeStream, error) {
	in, err := Encode(EpisodeRef{EpisodeID: episodeID})
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(outgoing(ctx), &ServiceDesc.Streams[0], FullMethod(MethodWatchEpisode))
	if err != nil {
		return nil, FromStatusError(err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, FromStatusError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, FromStatusError(err)
	}
	return &NoticeStream{stream: stream}, nil
}

// Env drives one remote episode. It satisfies controller.Env.
type Env struct {
	Client    *Client
	EpisodeID string
}

func (e Env) Observe(ctx context.Context) (*model.StateSnapshot, error) {
	out, err := e.Client.State(ctx, e.EpisodeID)
	if err != nil {
		return nil, err
	}
	return out.Snapshot, nil
}

func (e Env) Act(ctx context.Context, a model.ControlAction) error {
	_, err := e.Client.Submit(ctx, e.EpisodeID, a, false)
	return err
}

func (e Env) Step(ctx context.Context) (int64, error) {
	return e.Client.Advance(ctx, e.EpisodeID)
}
