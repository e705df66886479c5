package streaming

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName       = "pairdb.streaming.StreamService"
	fetchRangesMethod = "/" + serviceName + "/FetchRanges"
	pushRangesMethod  = "/" + serviceName + "/PushRanges"
)

// StreamServiceServer is the server API for the stream service
type StreamServiceServer interface {
	// FetchRanges streams local data of the requested ranges to the caller
	FetchRanges(*FetchRequest, FetchRangesServer) error
	// PushRanges applies the frames pushed by the caller
	PushRanges(PushRangesServer) error
}

// FetchRangesServer is the server side of FetchRanges
type FetchRangesServer interface {
	Send(*Frame) error
	grpc.ServerStream
}

// PushRangesServer is the server side of PushRanges
type PushRangesServer interface {
	Recv() (*Frame, error)
	SendAndClose(*PushSummary) error
	grpc.ServerStream
}

// StreamServiceDesc describes the stream service for grpc.Server.RegisterService
var StreamServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "FetchRanges",
			Handler:       fetchRangesHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "PushRanges",
			Handler:       pushRangesHandler,
			ClientStreams: true,
		},
	},
	Metadata: "streaming.proto",
}

// RegisterStreamServiceServer registers srv on s
func RegisterStreamServiceServer(s grpc.ServiceRegistrar, srv StreamServiceServer) {
	s.RegisterService(&StreamServiceDesc, srv)
}

func fetchRangesHandler(srv any, stream grpc.ServerStream) error {
	req := new(FetchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(StreamServiceServer).FetchRanges(req, &fetchRangesServer{stream})
}

func pushRangesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StreamServiceServer).PushRanges(&pushRangesServer{stream})
}

type fetchRangesServer struct {
	grpc.ServerStream
}

func (x *fetchRangesServer) Send(f *Frame) error {
	return x.ServerStream.SendMsg(f)
}

type pushRangesServer struct {
	grpc.ServerStream
}

func (x *pushRangesServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := x.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (x *pushRangesServer) SendAndClose(s *PushSummary) error {
	return x.ServerStream.SendMsg(s)
}

// StreamServiceClient is the client API for the stream service
type StreamServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewStreamServiceClient wraps a connection
func NewStreamServiceClient(cc grpc.ClientConnInterface) *StreamServiceClient {
	return &StreamServiceClient{cc: cc}
}

// FetchRangesClient is the client side of FetchRanges
type FetchRangesClient interface {
	Recv() (*Frame, error)
	grpc.ClientStream
}

// PushRangesClient is the client side of PushRanges
type PushRangesClient interface {
	Send(*Frame) error
	CloseAndRecv() (*PushSummary, error)
	grpc.ClientStream
}

// FetchRanges asks the peer to stream the ranges of req
func (c *StreamServiceClient) FetchRanges(ctx context.Context, req *FetchRequest, opts ...grpc.CallOption) (FetchRangesClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &StreamServiceDesc.Streams[0], fetchRangesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &fetchRangesClient{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// PushRanges opens a push session to the peer
func (c *StreamServiceClient) PushRanges(ctx context.Context, opts ...grpc.CallOption) (PushRangesClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &StreamServiceDesc.Streams[1], pushRangesMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &pushRangesClient{stream}, nil
}

type fetchRangesClient struct {
	grpc.ClientStream
}

func (x *fetchRangesClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := x.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

type pushRangesClient struct {
	grpc.ClientStream
}

func (x *pushRangesClient) Send(f *Frame) error {
	return x.ClientStream.SendMsg(f)
}

func (x *pushRangesClient) CloseAndRecv() (*PushSummary, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	s := new(PushSummary)
	if err := x.ClientStream.RecvMsg(s); err != nil {
		return nil, err
	}
	return s, nil
}
