// Package grpcchannel implements channel.Channel over a bidirectional gRPC
// stream whose frames are google.protobuf.BytesValue envelopes.
package grpcchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// SessionStreamDesc describes the session stream for grpc.ClientConn.NewStream.
var SessionStreamDesc = &grpc.StreamDesc{
	StreamName:    protocol.GRPCStreamName,
	ServerStreams: true,
	ClientStreams: true,
}

// TokenSource supplies the bearer token presented on each dial.
type TokenSource interface {
	Token() string
}

// Config holds stream settings.
type Config struct {
	// DialTimeout bounds the wait for the authority's welcome message.
	DialTimeout time.Duration
}

// Channel is a gRPC channel.Channel. A connection counts as open once the
// authority's welcome message has arrived on a freshly opened stream.
type Channel struct {
	*channel.Dispatcher

	cc     grpc.ClientConnInterface
	cfg    Config
	tokens TokenSource
	logger *zap.Logger

	mu     sync.Mutex
	stream grpc.ClientStream
	cancel context.CancelFunc
	gen    uint64

	sendMu sync.Mutex
}

// New creates a Channel that opens streams on cc. tokens may be nil.
//
// Precondition: cc must not be nil.
func New(cc grpc.ClientConnInterface, cfg Config, tokens TokenSource, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Channel{
		Dispatcher: channel.NewDispatcher(logger),
		cc:         cc,
		cfg:        cfg,
		tokens:     tokens,
		logger:     logger,
	}
}

// Connect opens a new session stream in the background, abandoning any
// current one without raising a disconnect event.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	oldCancel := c.cancel
	c.stream, c.cancel = nil, nil
	c.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	go c.open(ctx, gen)
}

func (c *Channel) open(ctx context.Context, gen uint64) {
	streamCtx, cancel := context.WithCancel(context.Background())
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			streamCtx = metadata.AppendToOutgoingContext(streamCtx, protocol.AuthorizationKey, protocol.BearerPrefix+tok)
		}
	}

	// The dial deadline only covers the handshake; the stream outlives ctx.
	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	stop := context.AfterFunc(dialCtx, cancel)

	stream, err := c.cc.NewStream(streamCtx, SessionStreamDesc, protocol.GRPCSessionPath)
	var welcome protocol.Envelope
	if err == nil {
		welcome, err = recv(stream)
	}
	timedOut := !stop() && errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	dialCancel()

	if err == nil && welcome.Topic != protocol.TopicWelcome {
		err = fmt.Errorf("%w: expected %s, got %s", protocol.ErrMalformed, protocol.TopicWelcome, welcome.Topic)
	}
	if err != nil {
		cancel()
		if !c.current(gen) {
			return
		}
		c.dispatchOpenError(err, timedOut)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.stream, c.cancel = stream, cancel
	c.mu.Unlock()

	c.logger.Debug("grpc session opened")
	c.Dispatch(channel.Event{Topic: channel.TopicConnect})
	c.Dispatch(channel.Event{Topic: welcome.Topic, Data: welcome.Payload})
	c.readLoop(stream)
}

func (c *Channel) dispatchOpenError(err error, timedOut bool) {
	switch code := status.Code(err); {
	case timedOut:
		c.Dispatch(channel.Event{Topic: channel.TopicConnectTimeout, Err: err})
	case code == codes.Unauthenticated || code == codes.PermissionDenied:
		c.Dispatch(channel.Event{
			Topic: channel.TopicConnectError,
			Err:   fmt.Errorf("%w: %s", channel.ErrUnauthorized, status.Convert(err).Message()),
		})
	default:
		c.Dispatch(channel.Event{Topic: channel.TopicConnectError, Err: fmt.Errorf("opening session: %w", err)})
	}
}

func recv(stream grpc.ClientStream) (protocol.Envelope, error) {
	frame := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(frame); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(frame.GetValue())
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) readLoop(stream grpc.ClientStream) {
	for {
		env, err := recv(stream)
		if errors.Is(err, protocol.ErrMalformed) {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if err != nil {
			c.mu.Lock()
			mine := c.stream == stream
			if mine {
				c.cancel()
				c.stream, c.cancel = nil, nil
			}
			c.mu.Unlock()
			if mine {
				reason := closeReason(err)
				c.logger.Debug("grpc session closed", zap.String("reason", reason), zap.Error(err))
				c.Dispatch(channel.Event{Topic: channel.TopicDisconnect, Reason: reason, Err: err})
			}
			return
		}
		c.Dispatch(channel.Event{Topic: env.Topic, Data: env.Payload})
	}
}

func closeReason(err error) string {
	if errors.Is(err, io.EOF) {
		return channel.ReasonServerDisconnect
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Canceled:
		return channel.ReasonTransportClose
	default:
		return channel.ReasonTransportError
	}
}

// Disconnect half-closes and cancels the current stream.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	stream, cancel := c.stream, c.cancel
	c.stream, c.cancel = nil, nil
	c.mu.Unlock()

	if stream == nil {
		return
	}
	c.sendMu.Lock()
	_ = stream.CloseSend()
	c.sendMu.Unlock()
	cancel()
	c.Dispatch(channel.Event{Topic: channel.TopicDisconnect, Reason: channel.ReasonClientDisconnect})
}

// Emit sends one envelope frame.
func (c *Channel) Emit(topic string, payload any) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return channel.ErrNotConnected
	}

	data, err := protocol.Encode(topic, payload)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return fmt.Errorf("sending %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether a session stream is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}
