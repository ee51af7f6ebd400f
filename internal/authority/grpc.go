package authority

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// TableServer is the server API for the table session service.
type TableServer interface {
	Session(stream grpc.ServerStream) error
}

// TableServiceDesc describes the session service. Frames are
// google.protobuf.BytesValue messages, so no generated stubs are needed.
var TableServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.GRPCServiceName,
	HandlerType: (*TableServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: protocol.GRPCStreamName,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(TableServer).Session(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// RegisterTableServer registers srv on s.
func RegisterTableServer(s grpc.ServiceRegistrar, srv TableServer) {
	s.RegisterService(&TableServiceDesc, srv)
}

// Session serves one gRPC session stream.
func (h *Hub) Session(stream grpc.ServerStream) error {
	var header string
	md, _ := metadata.FromIncomingContext(stream.Context())
	if vals := md.Get(protocol.AuthorizationKey); len(vals) > 0 {
		header = vals[0]
	}
	if !h.authorized(header) {
		return status.Error(codes.Unauthenticated, "invalid bearer token")
	}
	return h.serve(stream.Context(), grpcTransport{stream: stream})
}

type grpcTransport struct {
	stream grpc.ServerStream
}

func (t grpcTransport) Send(data []byte) error {
	return t.stream.SendMsg(wrapperspb.Bytes(data))
}

func (t grpcTransport) Recv() ([]byte, error) {
	frame := new(wrapperspb.BytesValue)
	if err := t.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame.GetValue(), nil
}

// Close is a no-op; returning from the handler ends the stream with OK, which
// the client reads as io.EOF.
func (t grpcTransport) Close() error { return nil }
