package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "rangebar.v1.RangeBarService"

	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// RangeBarServiceServer is the server API for the range bar service.
type RangeBarServiceServer interface {
	// Subscribe streams bars matching the request until the client goes away.
	Subscribe(*SubscribeRequest, RangeBarService_SubscribeServer) error
}

// RangeBarService_SubscribeServer is the server side of a Subscribe stream.
type RangeBarService_SubscribeServer interface {
	Send(*BarMessage) error
	grpc.ServerStream
}

type rangeBarServiceSubscribeServer struct {
	grpc.ServerStream
}

func (x *rangeBarServiceSubscribeServer) Send(m *BarMessage) error {
	return x.ServerStream.SendMsg(m)
}

func _RangeBarService_Subscribe_Handler(srv any, stream grpc.ServerStream) error {
	m := new(SubscribeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RangeBarServiceServer).Subscribe(m, &rangeBarServiceSubscribeServer{stream})
}

// RangeBarService_ServiceDesc is the grpc.ServiceDesc for the range bar service.
var RangeBarService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RangeBarServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       _RangeBarService_Subscribe_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "rangebar/v1/rangebar.proto",
}

// RegisterRangeBarServiceServer registers srv with s.
func RegisterRangeBarServiceServer(s grpc.ServiceRegistrar, srv RangeBarServiceServer) {
	s.RegisterService(&RangeBarService_ServiceDesc, srv)
}

// RangeBarServiceClient is the client API for the range bar service.
type RangeBarServiceClient interface {
	Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (RangeBarService_SubscribeClient, error)
}

// RangeBarService_SubscribeClient is the client side of a Subscribe stream.
type RangeBarService_SubscribeClient interface {
	Recv() (*BarMessage, error)
	grpc.ClientStream
}

type rangeBarServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRangeBarServiceClient returns a client that speaks the JSON codec.
func NewRangeBarServiceClient(cc grpc.ClientConnInterface) RangeBarServiceClient {
	return &rangeBarServiceClient{cc}
}

func (c *rangeBarServiceClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (RangeBarService_SubscribeClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &RangeBarService_ServiceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &rangeBarServiceSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type rangeBarServiceSubscribeClient struct {
	grpc.ClientStream
}

func (x *rangeBarServiceSubscribeClient) Recv() (*BarMessage, error) {
	m := new(BarMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
