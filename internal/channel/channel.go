// Package channel defines the bidirectional message channel the overlay core
// runs over, the lifecycle notifications a channel raises, and the disconnect
// reasons it reports.
package channel

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/pubsub"
)

// Errors
var (
	ErrNotConnected = errors.New("channel not connected")
	ErrUnauthorized = errors.New("unauthorized")
	ErrClosed       = errors.New("channel closed")
)

// Lifecycle topics raised by every channel implementation.
const (
	TopicConnect          = "connect"
	TopicDisconnect       = "disconnect"
	TopicError            = "error"
	TopicConnectError     = "connect_error"
	TopicConnectTimeout   = "connect_timeout"
	TopicReconnectAttempt = "reconnect_attempt"
	TopicReconnectFailed  = "reconnect_failed"
	TopicReconnect        = "reconnect"
)

// Disconnect reasons.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// Deliberate reports whether a disconnect reason names an intentional close by
// either side, after which no automatic reconnection should happen.
func Deliberate(reason string) bool {
	return reason == ReasonServerDisconnect || reason == ReasonClientDisconnect
}

// Event is one notification delivered by a channel. Message topics carry Data;
// lifecycle topics carry Reason (disconnect) or Err (error topics).
type Event struct {
	Topic  string
	Data   json.RawMessage
	Reason string
	Err    error
}

// Handler receives channel events.
type Handler func(Event)

// Channel is a persistent bidirectional transport carrying named messages.
// Implementations deliver events serially from a single goroutine per connection.
type Channel interface {
	// Connect dials asynchronously. The outcome arrives as a connect,
	// connect_error or connect_timeout event.
	Connect(ctx context.Context)
	// Disconnect drops the current connection and raises a disconnect event
	// with ReasonClientDisconnect if a connection was open.
	Disconnect()
	// Emit sends payload on topic.
	//
	// Postcondition: Returns ErrNotConnected when no connection is open.
	Emit(topic string, payload any) error
	// On registers h for topic and returns a func that removes it.
	On(topic string, h Handler) (off func())
	// Once registers h for the next event on topic only.
	Once(topic string, h Handler) (off func())
	// Connected reports whether a connection is currently open.
	Connected() bool
}

// Dispatcher fans channel events out to registered handlers. Channel
// implementations embed it to satisfy On and Once.
type Dispatcher struct {
	bus *pubsub.Bus[Event]
}

// NewDispatcher creates a Dispatcher that logs panicking handlers to logger.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{bus: pubsub.NewBus[Event](logger)}
}

// On registers h for topic.
func (d *Dispatcher) On(topic string, h Handler) func() {
	return d.bus.Subscribe(topic, h)
}

// Once registers h for the next event on topic.
func (d *Dispatcher) Once(topic string, h Handler) func() {
	return d.bus.SubscribeOnce(topic, h)
}

// Dispatch delivers ev to the handlers registered for ev.Topic.
func (d *Dispatcher) Dispatch(ev Event) {
	d.bus.Publish(ev.Topic, ev)
}

// Handlers returns the number of handlers registered for topic.
func (d *Dispatcher) Handlers(topic string) int {
	return d.bus.Len(topic)
}
