// Package wschannel implements channel.Channel over a gorilla/websocket
// connection carrying one JSON envelope per text frame.
package wschannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// TokenSource supplies the bearer token presented on each dial.
type TokenSource interface {
	Token() string
}

// Config holds connection settings.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Channel is a WebSocket channel.Channel. Events for one connection are
// dispatched from that connection's reader goroutine.
type Channel struct {
	*channel.Dispatcher

	cfg    Config
	tokens TokenSource
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	gen  uint64

	writeMu sync.Mutex
}

// New creates a disconnected Channel. tokens may be nil.
func New(cfg Config, tokens TokenSource, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		Dispatcher: channel.NewDispatcher(logger),
		cfg:        cfg.withDefaults(),
		tokens:     tokens,
		logger:     logger,
	}
}

// Connect dials in the background. An open connection is dropped first
// without raising a disconnect event.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go c.dial(ctx, gen)
}

func (c *Channel) dial(ctx context.Context, gen uint64) {
	header := http.Header{}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			header.Set("Authorization", protocol.BearerPrefix+tok)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if !c.current(gen) {
			return
		}
		c.dispatchDialError(err, resp)
		return
	}

	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("websocket connected", zap.String("url", c.cfg.URL))
	c.Dispatch(channel.Event{Topic: channel.TopicConnect})
	c.readLoop(conn)
}

func (c *Channel) dispatchDialError(err error, resp *http.Response) {
	switch {
	case resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
		c.Dispatch(channel.Event{
			Topic: channel.TopicConnectError,
			Err:   fmt.Errorf("%w: handshake status %d", channel.ErrUnauthorized, resp.StatusCode),
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.Dispatch(channel.Event{Topic: channel.TopicConnectTimeout, Err: err})
	default:
		c.Dispatch(channel.Event{Topic: channel.TopicConnectError, Err: fmt.Errorf("dialing %s: %w", c.cfg.URL, err)})
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// readLoop decodes frames until the connection fails. Only the connection that
// is still current reports its closure.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			mine := c.conn == conn
			if mine {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			if mine {
				reason := closeReason(err)
				c.logger.Debug("websocket closed", zap.String("reason", reason), zap.Error(err))
				c.Dispatch(channel.Event{Topic: channel.TopicDisconnect, Reason: reason, Err: err})
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		c.Dispatch(channel.Event{Topic: env.Topic, Data: env.Payload})
	}
}

func closeReason(err error) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return channel.ReasonServerDisconnect
	case websocket.IsCloseError(err, websocket.CloseAbnormalClosure),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return channel.ReasonTransportClose
	default:
		return channel.ReasonTransportError
	}
}

// Disconnect closes the connection with a normal close frame.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	_ = conn.Close()
	c.Dispatch(channel.Event{Topic: channel.TopicDisconnect, Reason: channel.ReasonClientDisconnect})
}

// Emit writes one envelope as a text frame.
func (c *Channel) Emit(topic string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return channel.ErrNotConnected
	}

	data, err := protocol.Encode(topic, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether a connection is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
