// Package gridrpc exposes a grid over gRPC. The service is described by
// hand over the protobuf well-known types: requests and responses are
// google.protobuf.Struct values shaped like the monitor JSON API.
package gridrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bathygrid.v1.GridService"

// GridServiceServer is the server API of the grid service.
type GridServiceServer interface {
	Info(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Tiles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stale(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	QueryPoints(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryCells(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Regrid(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveContainer(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// WatchRegrids streams a summary of every regrid pass until the client
	// goes away or the server stops.
	WatchRegrids(*emptypb.Empty, grpc.ServerStream) error
}

// RegisterGridServiceServer registers srv on s.
func RegisterGridServiceServer(s grpc.ServiceRegistrar, srv GridServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds the method descriptor of a unary call, running the server's
// interceptor when one is installed.
func unary[Req any, PReq interface {
	*Req
}, Resp any](name string, call func(GridServiceServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(GridServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(PReq))
			})
		},
	}
}

func watchRegridsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GridServiceServer).WatchRegrids(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GridServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Info", GridServiceServer.Info),
		unary("Tiles", GridServiceServer.Tiles),
		unary("Stale", GridServiceServer.Stale),
		unary("QueryPoints", GridServiceServer.QueryPoints),
		unary("QueryCells", GridServiceServer.QueryCells),
		unary("Regrid", GridServiceServer.Regrid),
		unary("RemoveContainer", GridServiceServer.RemoveContainer),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchRegrids",
			Handler:       watchRegridsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "bathygrid/v1/grid",
}
