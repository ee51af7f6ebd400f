// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// Emitted is one message sent through the fake.
type Emitted struct {
	Topic   string
	Payload json.RawMessage
}

// Fake is a channel.Channel whose connection state and inbound events are
// driven by the test. Connect and Disconnect only record the call; the test
// raises the resulting lifecycle events with Fire.
type Fake struct {
	*channel.Dispatcher

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	emitted     []Emitted
	emitErr     error
}

// New creates a disconnected Fake.
func New() *Fake {
	return &Fake{Dispatcher: channel.NewDispatcher(nil)}
}

// Connect records the dial request.
func (f *Fake) Connect(context.Context) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

// Disconnect records the request, marks the fake disconnected, and raises a
// client disconnect event if it was connected.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.Dispatch(channel.Event{Topic: channel.TopicDisconnect, Reason: channel.ReasonClientDisconnect})
	}
}

// Emit records the message.
func (f *Fake) Emit(topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	if !f.connected {
		return channel.ErrNotConnected
	}
	env, err := protocol.NewEnvelope(topic, payload)
	if err != nil {
		return err
	}
	f.emitted = append(f.emitted, Emitted{Topic: topic, Payload: env.Payload})
	return nil
}

// Connected reports the simulated connection state.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected changes the connection state without raising events.
func (f *Fake) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// FailEmits makes every subsequent Emit return err. A nil err restores normal behavior.
func (f *Fake) FailEmits(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

// Fire raises a lifecycle event, updating the connection state for connect
// and disconnect first.
func (f *Fake) Fire(ev channel.Event) {
	switch ev.Topic {
	case channel.TopicConnect, channel.TopicReconnect:
		f.SetConnected(true)
	case channel.TopicDisconnect:
		f.SetConnected(false)
	}
	f.Dispatch(ev)
}

// FireConnect simulates a successful dial.
func (f *Fake) FireConnect() { f.Fire(channel.Event{Topic: channel.TopicConnect}) }

// FireDisconnect simulates a closed connection.
func (f *Fake) FireDisconnect(reason string) {
	f.Fire(channel.Event{Topic: channel.TopicDisconnect, Reason: reason})
}

// FireConnectError simulates a failed dial.
func (f *Fake) FireConnectError(err error) {
	f.Fire(channel.Event{Topic: channel.TopicConnectError, Err: err})
}

// Deliver raises an inbound message on topic with payload marshaled to JSON.
func (f *Fake) Deliver(topic string, payload any) error {
	env, err := protocol.NewEnvelope(topic, payload)
	if err != nil {
		return err
	}
	f.Dispatch(channel.Event{Topic: topic, Data: env.Payload})
	return nil
}

// Connects returns how many times Connect was called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many times Disconnect was called.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Emitted returns every message sent so far.
func (f *Fake) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Emitted(nil), f.emitted...)
}

// EmittedOn returns the messages sent on topic.
func (f *Fake) EmittedOn(topic string) []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Emitted
	for _, e := range f.emitted {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// ClearEmitted forgets recorded messages.
func (f *Fake) ClearEmitted() {
	f.mu.Lock()
	f.emitted = nil
	f.mu.Unlock()
}
