package protocol

// gRPC service naming. The session is one bidirectional stream whose frames are
// google.protobuf.BytesValue messages, each holding one encoded Envelope.
const (
	GRPCServiceName = "tablesync.v1.Table"
	GRPCStreamName  = "Session"
	GRPCSessionPath = "/" + GRPCServiceName + "/" + GRPCStreamName

	// AuthorizationKey is the HTTP header and gRPC metadata key carrying the bearer token.
	AuthorizationKey = "authorization"
	BearerPrefix     = "Bearer "
)
