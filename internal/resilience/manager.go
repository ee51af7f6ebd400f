package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/pubsub"
	"github.com/cory-johannsen/tablesync/internal/timer"
)

// Invalidator discards credentials the authority has refused.
type Invalidator interface {
	Invalidate()
}

// Options configures a Manager.
type Options struct {
	Backoff              Backoff
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration

	// Prober, when set, is consulted each time a reconnection timer fires.
	Prober       Prober
	ProbeTimeout time.Duration

	Credentials Invalidator
	Scheduler   timer.Scheduler
	Now         func() time.Time
}

// DefaultOptions returns the standard reconnection and heartbeat policy.
func DefaultOptions() Options {
	return Options{
		Backoff:              DefaultBackoff(),
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    25 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		ProbeTimeout:         2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Backoff.BaseDelay <= 0 {
		o.Backoff = def.Backoff
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = def.ProbeTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = timer.Real{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// effects are side effects collected under the manager lock and run after it
// is released, so listeners and channels may call back into the manager.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Manager owns the channel lifecycle for one session.
// All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	events *pubsub.Bus[Event]
	routes *pubsub.Bus[channel.Event]

	mu            sync.Mutex
	ch            channel.Channel
	offs          []func()
	routeTopics   map[string]bool
	state         SessionState
	everConnected bool
	closed        bool

	retryTimer timer.Timer
	retryGen   uint64

	hbTimer    timer.Timer
	hbDeadline timer.Timer
	hbGen      uint64
	hbSeq      int64
	hbSentAt   time.Time

	health map[string]chan time.Duration
}

// NewManager creates an idle Manager with a fresh session identifier.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        opts.withDefaults(),
		ctx:         ctx,
		cancel:      cancel,
		events:      pubsub.NewBus[Event](logger),
		routes:      pubsub.NewBus[channel.Event](logger),
		routeTopics: make(map[string]bool),
		health:      make(map[string]chan time.Duration),
	}
	m.state = SessionState{SessionID: uuid.NewString(), Phase: PhaseIdle}
	m.logger = logger.With(zap.String("session_id", m.state.SessionID))
	return m
}

// Attach binds the manager to ch and starts connecting.
//
// Precondition: ch must not be nil.
// Postcondition: Re-attaching the same channel is a no-op; attaching a different
// channel unregisters every handler from the previous one.
func (m *Manager) Attach(ch channel.Channel) {
	var fx effects
	m.mu.Lock()
	if m.closed || m.ch == ch {
		m.mu.Unlock()
		return
	}
	for _, off := range m.offs {
		fx.add(off)
	}
	m.offs = nil
	m.stopRetryLocked()
	m.stopHeartbeatLocked()
	m.ch = ch
	m.bindLocked(ch)

	if ch.Connected() {
		m.connectedLocked(&fx)
	} else {
		m.setPhaseLocked(PhaseConnecting)
		m.emitLocked(&fx, Event{Kind: EventConnectionStateChange})
		ctx := m.ctx
		fx.add(func() { ch.Connect(ctx) })
	}
	m.mu.Unlock()
	m.logger.Info("channel attached")
	fx.run()
}

func (m *Manager) bindLocked(ch channel.Channel) {
	on := func(topic string, h channel.Handler) {
		m.offs = append(m.offs, ch.On(topic, h))
	}
	on(channel.TopicConnect, func(channel.Event) { m.handleConnect() })
	on(channel.TopicReconnect, func(channel.Event) { m.handleConnect() })
	on(channel.TopicDisconnect, func(ev channel.Event) { m.handleDisconnect(ev.Reason) })
	on(channel.TopicConnectError, func(ev channel.Event) { m.handleConnectError(ev.Topic, ev.Err) })
	on(channel.TopicConnectTimeout, func(ev channel.Event) { m.handleConnectError(ev.Topic, ev.Err) })
	on(channel.TopicReconnectFailed, func(ev channel.Event) { m.handleConnectError(ev.Topic, ev.Err) })
	on(channel.TopicError, func(ev channel.Event) { m.handleChannelError(ev.Err) })
	on(channel.TopicReconnectAttempt, func(channel.Event) {
		m.logger.Debug("channel reported its own reconnect attempt")
	})
	on(protocol.TopicHeartbeatAck, func(ev channel.Event) { m.handleHeartbeatAck(ev.Data) })
	on(protocol.TopicHealthCheckAck, func(ev channel.Event) { m.handleHealthCheckAck(ev.Data) })
	for topic := range m.routeTopics {
		m.bindRouteLocked(ch, topic)
	}
}

func (m *Manager) bindRouteLocked(ch channel.Channel, topic string) {
	m.offs = append(m.offs, ch.On(topic, func(ev channel.Event) { m.routes.Publish(topic, ev) }))
}

// State returns a snapshot of the session.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// IsConnected reports whether the session is connected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

// On registers fn for events of kind.
//
// Postcondition: Returns an idempotent func that removes fn.
func (m *Manager) On(kind EventKind, fn func(Event)) (off func()) {
	return m.events.Subscribe(string(kind), fn)
}

// OnStateChange registers fn for every connection state change.
func (m *Manager) OnStateChange(fn func(SessionState)) (off func()) {
	return m.On(EventConnectionStateChange, func(ev Event) { fn(ev.State) })
}

// Route registers h for inbound messages on topic. Routes survive re-attach.
func (m *Manager) Route(topic string, h channel.Handler) (off func()) {
	off = m.routes.Subscribe(topic, h)
	m.mu.Lock()
	if !m.routeTopics[topic] {
		m.routeTopics[topic] = true
		if m.ch != nil {
			m.bindRouteLocked(m.ch, topic)
		}
	}
	m.mu.Unlock()
	return off
}

// Emit sends payload on topic over the attached channel.
//
// Postcondition: Returns channel.ErrNotConnected unless the session is connected.
func (m *Manager) Emit(topic string, payload any) error {
	m.mu.Lock()
	ch := m.ch
	connected := m.state.Connected
	m.mu.Unlock()
	if ch == nil || !connected {
		return channel.ErrNotConnected
	}
	return ch.Emit(topic, payload)
}

// Retry stops any pending backoff, resets the attempt counter and reconnects.
// It works mid-backoff, after exhaustion, and after a critical error.
func (m *Manager) Retry() {
	var fx effects
	m.mu.Lock()
	if m.closed || m.ch == nil {
		m.mu.Unlock()
		return
	}
	m.stopRetryLocked()
	m.stopHeartbeatLocked()
	m.state.ReconnectAttempts = 0
	m.setPhaseLocked(PhaseConnecting)
	m.emitLocked(&fx, Event{Kind: EventConnectionStateChange})
	ch, ctx := m.ch, m.ctx
	fx.add(func() { ch.Connect(ctx) })
	m.mu.Unlock()
	m.logger.Info("manual retry")
	fx.run()
}

// Disconnect stops every timer, asks the channel to close, and returns the
// session to idle. It is idempotent.
func (m *Manager) Disconnect() {
	var fx effects
	m.mu.Lock()
	m.stopRetryLocked()
	m.stopHeartbeatLocked()
	ch := m.ch
	if m.state.Phase != PhaseIdle {
		m.setPhaseLocked(PhaseIdle)
		m.emitLocked(&fx, Event{Kind: EventConnectionStateChange})
		if ch != nil {
			fx.add(ch.Disconnect)
		}
	} else if ch != nil && ch.Connected() {
		fx.add(ch.Disconnect)
	}
	m.mu.Unlock()
	fx.run()
}

// Close disconnects and drops every listener and route. The manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	offs := m.offs
	m.offs = nil
	m.closed = true
	for id, waiter := range m.health {
		close(waiter)
		delete(m.health, id)
	}
	m.mu.Unlock()
	for _, off := range offs {
		off()
	}
	m.cancel()
	m.events.Clear()
	m.routes.Clear()
}

func (m *Manager) handleConnect() {
	var fx effects
	m.mu.Lock()
	if m.closed || m.state.Phase == PhaseConnected || m.state.Phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.connectedLocked(&fx)
	m.mu.Unlock()
	fx.run()
}

// connectedLocked enters the connected phase.
//
// Precondition: m.mu is held.
func (m *Manager) connectedLocked(fx *effects) {
	m.stopRetryLocked()
	reconnected := m.everConnected
	m.everConnected = true
	m.state.ReconnectAttempts = 0
	m.state.LastConnectedAt = m.opts.Now()
	m.state.DisconnectReason = ""
	m.setPhaseLocked(PhaseConnected)
	m.startHeartbeatLocked()

	m.logger.Info("connected", zap.Bool("reconnect", reconnected))
	m.emitLocked(fx, Event{Kind: EventConnectionStateChange})
	if reconnected {
		m.emitLocked(fx, Event{Kind: EventReconnect})
	}
}

func (m *Manager) handleDisconnect(reason string) {
	var fx effects
	m.mu.Lock()
	if m.closed || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	m.disconnectedLocked(&fx, reason)
	m.mu.Unlock()
	fx.run()
}

// disconnectedLocked leaves the connected phase and schedules reconnection
// unless the close was deliberate.
//
// Precondition: m.mu is held and the phase is connected.
func (m *Manager) disconnectedLocked(fx *effects, reason string) {
	m.stopHeartbeatLocked()
	m.state.DisconnectReason = reason
	m.setPhaseLocked(PhaseDisconnected)
	m.emitLocked(fx, Event{Kind: EventConnectionStateChange})

	if channel.Deliberate(reason) {
		m.logger.Info("disconnected deliberately", zap.String("reason", reason))
		return
	}
	m.logger.Warn("connection lost", zap.String("reason", reason))
	m.scheduleRetryLocked(fx)
}

func (m *Manager) handleConnectError(topic string, err error) {
	if err == nil {
		err = fmt.Errorf("%s", topic)
	}
	var fx effects
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseIdle, PhaseRetryExhausted, PhaseConnected:
		m.mu.Unlock()
		m.logger.Debug("ignoring connect failure outside a connection attempt",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	if m.closed {
		m.mu.Unlock()
		return
	}

	kind := Classify(err)
	sessErr := m.recordErrorLocked(kind, err.Error())
	m.setPhaseLocked(PhaseErrored)
	m.emitLocked(&fx, Event{Kind: EventError, Err: sessErr})
	m.emitLocked(&fx, Event{Kind: EventConnectionStateChange})

	if kind == KindCritical {
		m.stopRetryLocked()
		m.logger.Error("critical connection error, reauthentication required",
			zap.String("topic", topic), zap.Error(err))
		if creds := m.opts.Credentials; creds != nil {
			fx.add(creds.Invalidate)
		}
		m.emitLocked(&fx, Event{Kind: EventAuthRequired, Err: sessErr})
	} else {
		m.logger.Warn("connection attempt failed", zap.String("topic", topic), zap.Error(err))
		m.scheduleRetryLocked(&fx)
	}
	m.mu.Unlock()
	fx.run()
}

// handleChannelError records a generic channel error. While a connection
// attempt is in flight it is treated as a failed attempt; otherwise the
// transport is expected to report the closure separately.
func (m *Manager) handleChannelError(err error) {
	if err == nil {
		err = fmt.Errorf("channel error")
	}
	m.mu.Lock()
	phase := m.state.Phase
	m.mu.Unlock()
	if phase == PhaseConnecting {
		m.handleConnectError(channel.TopicError, err)
		return
	}

	var fx effects
	m.mu.Lock()
	sessErr := m.recordErrorLocked(Classify(err), err.Error())
	m.emitLocked(&fx, Event{Kind: EventError, Err: sessErr})
	m.mu.Unlock()
	m.logger.Warn("channel error", zap.Error(err))
	fx.run()
}

// scheduleRetryLocked counts a failed attempt and either schedules the next
// reconnection or gives up.
//
// Precondition: m.mu is held.
// Postcondition: At most one reconnection timer is pending.
func (m *Manager) scheduleRetryLocked(fx *effects) {
	m.stopRetryLocked()
	m.state.ReconnectAttempts++
	attempt := m.state.ReconnectAttempts
	if attempt >= m.opts.MaxReconnectAttempts {
		m.exhaustLocked(fx)
		return
	}

	delay := m.opts.Backoff.Jittered(attempt - 1)
	gen := m.retryGen
	m.retryTimer = m.opts.Scheduler.AfterFunc(delay, func() { m.retryFired(gen) })
	m.emitLocked(fx, Event{Kind: EventReconnectScheduled, Attempt: attempt, Delay: delay})
	m.logger.Info("reconnection scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (m *Manager) exhaustLocked(fx *effects) {
	attempts := m.state.ReconnectAttempts
	sessErr := m.recordErrorLocked(KindExhausted,
		fmt.Sprintf("reconnection attempts exhausted after %d tries", attempts))
	m.setPhaseLocked(PhaseRetryExhausted)
	m.logger.Error("reconnection attempts exhausted", zap.Int("attempts", attempts))
	m.emitLocked(fx, Event{Kind: EventReconnectFailed, Err: sessErr, Attempt: attempts})
	m.emitLocked(fx, Event{Kind: EventError, Err: sessErr})
	m.emitLocked(fx, Event{Kind: EventConnectionStateChange})
}

func (m *Manager) retryFired(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.retryGen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	prober := m.opts.Prober
	m.mu.Unlock()

	if prober != nil {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ProbeTimeout)
		err := prober.Probe(ctx)
		cancel()
		if err != nil {
			m.unreachable(gen, err)
			return
		}
	}

	var fx effects
	m.mu.Lock()
	if m.closed || gen != m.retryGen || m.ch == nil {
		m.mu.Unlock()
		return
	}
	attempt := m.state.ReconnectAttempts
	m.setPhaseLocked(PhaseConnecting)
	m.emitLocked(&fx, Event{Kind: EventReconnectAttempt, Attempt: attempt})
	m.emitLocked(&fx, Event{Kind: EventConnectionStateChange})
	ch, ctx := m.ch, m.ctx
	fx.add(func() { ch.Connect(ctx) })
	m.mu.Unlock()
	m.logger.Info("reconnecting", zap.Int("attempt", attempt))
	fx.run()
}

// unreachable counts a failed probe as a failed attempt without dialing.
func (m *Manager) unreachable(gen uint64, err error) {
	var fx effects
	m.mu.Lock()
	if m.closed || gen != m.retryGen {
		m.mu.Unlock()
		return
	}
	sessErr := m.recordErrorLocked(KindTransient, "network unreachable: "+err.Error())
	m.emitLocked(&fx, Event{Kind: EventError, Err: sessErr})
	m.logger.Warn("network unreachable, skipping reconnection attempt", zap.Error(err))
	m.scheduleRetryLocked(&fx)
	m.mu.Unlock()
	fx.run()
}

// HealthCheck sends a health-check probe and waits for its acknowledgment.
//
// Postcondition: Returns the round-trip time, or an error if the session is not
// connected or ctx ends first.
func (m *Manager) HealthCheck(ctx context.Context) (time.Duration, error) {
	id := uuid.NewString()
	waiter := make(chan time.Duration, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, channel.ErrClosed
	}
	m.health[id] = waiter
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.health, id)
		m.mu.Unlock()
	}()

	if err := m.Emit(protocol.TopicHealthCheck, protocol.HealthCheck{ID: id, SentAt: m.opts.Now()}); err != nil {
		return 0, fmt.Errorf("sending health check: %w", err)
	}
	select {
	case rtt, ok := <-waiter:
		if !ok {
			return 0, channel.ErrClosed
		}
		return rtt, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) handleHealthCheckAck(data json.RawMessage) {
	var ack protocol.HealthCheck
	if err := protocol.Unmarshal(data, &ack); err != nil {
		m.logger.Warn("malformed health check ack", zap.Error(err))
		return
	}
	m.mu.Lock()
	waiter, ok := m.health[ack.ID]
	if ok {
		delete(m.health, ack.ID)
	}
	now := m.opts.Now()
	m.mu.Unlock()
	if ok {
		waiter <- now.Sub(ack.SentAt)
	}
}

// recordErrorLocked stores the most recent error.
//
// Precondition: m.mu is held.
func (m *Manager) recordErrorLocked(kind ErrorKind, msg string) *SessionError {
	e := &SessionError{Kind: kind, Message: msg, At: m.opts.Now()}
	m.state.LastError = e
	copied := *e
	return &copied
}

// setPhaseLocked moves to phase and keeps the derived flags consistent.
//
// Precondition: m.mu is held.
func (m *Manager) setPhaseLocked(phase Phase) {
	m.state.Phase = phase
	m.state.Connected = phase == PhaseConnected
	m.state.Connecting = phase == PhaseConnecting
}

// emitLocked queues ev for delivery with the current session snapshot.
//
// Precondition: m.mu is held.
func (m *Manager) emitLocked(fx *effects, ev Event) {
	ev.State = m.state.clone()
	fx.add(func() { m.events.Publish(string(ev.Kind), ev) })
}

func (m *Manager) stopRetryLocked() {
	m.retryGen++
	timer.Stop(m.retryTimer)
	m.retryTimer = nil
}
