// Package api exposes the gateway to agents over gRPC. The service is
// described by hand and carries google.protobuf.Struct documents, so any
// gRPC client can call it without generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trafficgw.v1.Gateway"

// Method names.
const (
	MethodGetState         = "GetState"
	MethodSubmitAction     = "SubmitAction"
	MethodWithdrawAction   = "WithdrawAction"
	MethodAdvance          = "Advance"
	MethodGetEpisodeStatus = "GetEpisodeStatus"
	MethodStartEpisode     = "StartEpisode"
	MethodListExperiments  = "ListExperiments"
	MethodCloseExperiment  = "CloseExperiment"
	MethodWatchEpisode     = "WatchEpisode"
)

// FullMethod returns the "/service/method" path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// GatewayServer is the server side of the Gateway service.
type GatewayServer interface {
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WithdrawAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Advance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEpisodeStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartEpisode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListExperiments(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseExperiment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEpisode(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(GatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			gs := srv.(GatewayServer)
			if interceptor == nil {
				return call(gs, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(gs, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GatewayServer).WatchEpisode(in, stream)
}

// ServiceDesc describes the Gateway service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetState, GatewayServer.GetState),
		unary(MethodSubmitAction, GatewayServer.SubmitAction),
		unary(MethodWithdrawAction, GatewayServer.WithdrawAction),
		unary(MethodAdvance, GatewayServer.Advance),
		unary(MethodGetEpisodeStatus, GatewayServer.GetEpisodeStatus),
		unary(MethodStartEpisode, GatewayServer.StartEpisode),
		unary(MethodListExperiments, GatewayServer.ListExperiments),
		unary(MethodCloseExperiment, GatewayServer.CloseExperiment),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatchEpisode,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "trafficgw/v1/gateway",
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&ServiceDesc, srv)
}
