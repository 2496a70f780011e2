package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name meridian's gateway transport
// registers under.
const ServiceName = "meridian.Gateway"

// GatewayServer is the server-side implementation every Node-backed
// rpc.Server satisfies.
type GatewayServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Query(context.Context, *SubmitRequest) (*SubmitResponse, error)
	JoinCluster(context.Context, *JoinClusterRequest) (*JoinClusterResponse, error)
	GenerateJoinToken(context.Context, *GenerateJoinTokenRequest) (*GenerateJoinTokenResponse, error)
	Events(*EventsRequest, Gateway_EventsServer) error
	Ack(context.Context, *AckRequest) (*AckResponse, error)
}

// Gateway_EventsServer is the server-side handle for the streaming Events
// method, the same shape protoc-gen-go-grpc would generate.
type Gateway_EventsServer interface {
	Send(*Event) error
	grpc.ServerStream
}

type gatewayEventsServer struct {
	grpc.ServerStream
}

func (x *gatewayEventsServer) Send(ev *Event) error { return x.ServerStream.SendMsg(ev) }

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Query(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func joinClusterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JoinClusterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).JoinCluster(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/JoinCluster"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).JoinCluster(ctx, req.(*JoinClusterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func generateJoinTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GenerateJoinTokenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).GenerateJoinToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GenerateJoinToken"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).GenerateJoinToken(ctx, req.(*GenerateJoinTokenRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func ackHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Ack(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Ack"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Ack(ctx, req.(*AckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func eventsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(EventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(GatewayServer).Events(m, &gatewayEventsServer{stream})
}

// ServiceDesc is meridian's hand-declared stand-in for a
// protoc-generated grpc.ServiceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "JoinCluster", Handler: joinClusterHandler},
		{MethodName: "GenerateJoinToken", Handler: generateJoinTokenHandler},
		{MethodName: "Ack", Handler: ackHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "pkg/rpc/service.go",
}

// GatewayClient is the client-side stub, mirroring GatewayServer.
type GatewayClient interface {
	Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	Query(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	JoinCluster(ctx context.Context, in *JoinClusterRequest, opts ...grpc.CallOption) (*JoinClusterResponse, error)
	GenerateJoinToken(ctx context.Context, in *GenerateJoinTokenRequest, opts ...grpc.CallOption) (*GenerateJoinTokenResponse, error)
	Events(ctx context.Context, in *EventsRequest, opts ...grpc.CallOption) (Gateway_EventsClient, error)
	Ack(ctx context.Context, in *AckRequest, opts ...grpc.CallOption) (*AckResponse, error)
}

type gatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewGatewayClient builds a GatewayClient over an already-dialed
// connection; pkg/rpc.Client wraps this with the gateway.RaftClient and
// raftnode.ClusterJoiner interfaces meridian actually consumes.
func NewGatewayClient(cc grpc.ClientConnInterface) GatewayClient {
	return &gatewayClient{cc: cc}
}

func (c *gatewayClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) Query(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Query", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) JoinCluster(ctx context.Context, in *JoinClusterRequest, opts ...grpc.CallOption) (*JoinClusterResponse, error) {
	out := new(JoinClusterResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/JoinCluster", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) GenerateJoinToken(ctx context.Context, in *GenerateJoinTokenRequest, opts ...grpc.CallOption) (*GenerateJoinTokenResponse, error) {
	out := new(GenerateJoinTokenResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GenerateJoinToken", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) Ack(ctx context.Context, in *AckRequest, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Ack", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) Events(ctx context.Context, in *EventsRequest, opts ...grpc.CallOption) (Gateway_EventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Events", opts...)
	if err != nil {
		return nil, err
	}
	x := &gatewayEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Gateway_EventsClient is the client-side handle for the streaming Events
// method.
type Gateway_EventsClient interface {
	Recv() (*Event, error)
	grpc.ClientStream
}

type gatewayEventsClient struct {
	grpc.ClientStream
}

func (x *gatewayEventsClient) Recv() (*Event, error) {
	m := new(Event)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
