package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The LogWatch service exchanges google.protobuf.Struct messages, so the
// descriptor is maintained by hand instead of generated from a .proto file.

const (
	LogWatchServiceName = "mirador.logwatch.v1.LogWatch"

	LogWatch_StartSession_FullMethodName  = "/mirador.logwatch.v1.LogWatch/StartSession"
	LogWatch_GetSession_FullMethodName    = "/mirador.logwatch.v1.LogWatch/GetSession"
	LogWatch_StopSession_FullMethodName   = "/mirador.logwatch.v1.LogWatch/StopSession"
	LogWatch_StreamReports_FullMethodName = "/mirador.logwatch.v1.LogWatch/StreamReports"
)

// LogWatchServer is the server API for the LogWatch service.
type LogWatchServer interface {
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamReports(*structpb.Struct, LogWatch_StreamReportsServer) error
}

// UnimplementedLogWatchServer can be embedded for forward compatibility.
type UnimplementedLogWatchServer struct{}

func (UnimplementedLogWatchServer) StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method StartSession not implemented")
}
func (UnimplementedLogWatchServer) GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetSession not implemented")
}
func (UnimplementedLogWatchServer) StopSession(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method StopSession not implemented")
}
func (UnimplementedLogWatchServer) StreamReports(*structpb.Struct, LogWatch_StreamReportsServer) error {
	return status.Error(codes.Unimplemented, "method StreamReports not implemented")
}

// LogWatch_StreamReportsServer is the server side of StreamReports.
type LogWatch_StreamReportsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type logWatchStreamReportsServer struct {
	grpc.ServerStream
}

func (x *logWatchStreamReportsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterLogWatchServer registers srv on s.
func RegisterLogWatchServer(s grpc.ServiceRegistrar, srv LogWatchServer) {
	s.RegisterService(&LogWatch_ServiceDesc, srv)
}

func unaryHandler(fullMethod string, call func(LogWatchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LogWatchServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(LogWatchServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _LogWatch_StreamReports_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(LogWatchServer).StreamReports(m, &logWatchStreamReportsServer{stream})
}

// LogWatch_ServiceDesc is the grpc.ServiceDesc for the LogWatch service.
var LogWatch_ServiceDesc = grpc.ServiceDesc{
	ServiceName: LogWatchServiceName,
	HandlerType: (*LogWatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartSession",
			Handler: unaryHandler(LogWatch_StartSession_FullMethodName, func(s LogWatchServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.StartSession(ctx, in)
			}),
		},
		{
			MethodName: "GetSession",
			Handler: unaryHandler(LogWatch_GetSession_FullMethodName, func(s LogWatchServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.GetSession(ctx, in)
			}),
		},
		{
			MethodName: "StopSession",
			Handler: unaryHandler(LogWatch_StopSession_FullMethodName, func(s LogWatchServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.StopSession(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamReports",
			Handler:       _LogWatch_StreamReports_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "mirador/logwatch/v1/logwatch.proto",
}

// LogWatchClient is the client API for the LogWatch service.
type LogWatchClient interface {
	StartSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StopSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StreamReports(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (LogWatch_StreamReportsClient, error)
}

type logWatchClient struct {
	cc grpc.ClientConnInterface
}

// NewLogWatchClient wraps cc.
func NewLogWatchClient(cc grpc.ClientConnInterface) LogWatchClient {
	return &logWatchClient{cc}
}

func (c *logWatchClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *logWatchClient) StartSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, LogWatch_StartSession_FullMethodName, in, opts...)
}

func (c *logWatchClient) GetSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, LogWatch_GetSession_FullMethodName, in, opts...)
}

func (c *logWatchClient) StopSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, LogWatch_StopSession_FullMethodName, in, opts...)
}

func (c *logWatchClient) StreamReports(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (LogWatch_StreamReportsClient, error) {
	stream, err := c.cc.NewStream(ctx, &LogWatch_ServiceDesc.Streams[0], LogWatch_StreamReports_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &logWatchStreamReportsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// LogWatch_StreamReportsClient is the client side of StreamReports.
type LogWatch_StreamReportsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type logWatchStreamReportsClient struct {
	grpc.ClientStream
}

func (x *logWatchStreamReportsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
