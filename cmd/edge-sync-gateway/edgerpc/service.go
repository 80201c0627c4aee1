package edgerpc

import (
	"context"

	"google.golang.org/grpc"
)

// Stream is the server-side view of one edge connection.
type Stream interface {
	Send(*ResponseMsg) error
	Recv() (*RequestMsg, error)
	Context() context.Context
}

// Handler accepts a freshly opened stream and owns it until the connection
// closes. The connection registry implements this.
type Handler interface {
	HandleMsgs(stream Stream) error
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(m *ResponseMsg) error {
	return s.ServerStream.SendMsg(m)
}

func (s *serverStream) Recv() (*RequestMsg, error) {
	m := new(RequestMsg)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func handleMsgsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).HandleMsgs(&serverStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "edge.v1.EdgeRpcService",
	HandlerType: (*Handler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "handleMsgs",
			Handler:       handleMsgsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "edgerpc/messages.go",
}

func RegisterEdgeRPCService(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}
