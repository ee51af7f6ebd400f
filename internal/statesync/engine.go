package statesync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/pubsub"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/timer"
)

// Topic names a replica notification stream.
type Topic string

const (
	TopicGameState  Topic = "gameState"
	TopicPlayer     Topic = "player"
	TopicAction     Topic = "action"
	TopicPot        Topic = "pot"
	TopicPhase      Topic = "phase"
	TopicCards      Topic = "cards"
	TopicBatch      Topic = "batch"
	TopicConflict   Topic = "conflict"
	TopicConnection Topic = "connection"
)

// Notification is delivered to subscribers after the replica changes.
//
// Payload holds the applied update (a *protocol.XxxUpdate), the optimistic
// protocol.Action for local actions, a protocol.ConflictRequest for detected
// conflicts, or a resilience.SessionState on the connection topic.
type Notification struct {
	Topic    Topic
	UpdateID int64
	Payload  any
	Snapshot Replica
	Rejected bool
	Reason   string
}

// Link is the engine's view of the connection: availability signals, outbound
// emission, and inbound routing.
type Link interface {
	IsConnected() bool
	Emit(topic string, payload any) error
	Route(topic string, h channel.Handler) (off func())
	OnStateChange(fn func(resilience.SessionState)) (off func())
}

// Options configures an Engine.
type Options struct {
	ActionLogSize     int
	MaxCommunityCards int
	PendingTimeout    time.Duration
	ResyncInterval    time.Duration
	ReorderWindow     int

	Scheduler timer.Scheduler
	Now       func() time.Time
}

// DefaultOptions returns the standard engine settings.
func DefaultOptions() Options {
	return Options{
		ActionLogSize:     50,
		MaxCommunityCards: 5,
		PendingTimeout:    10 * time.Second,
		ResyncInterval:    30 * time.Second,
		ReorderWindow:     64,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ActionLogSize <= 0 {
		o.ActionLogSize = def.ActionLogSize
	}
	if o.MaxCommunityCards <= 0 {
		o.MaxCommunityCards = def.MaxCommunityCards
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = def.PendingTimeout
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = def.ResyncInterval
	}
	if o.ReorderWindow <= 0 {
		o.ReorderWindow = def.ReorderWindow
	}
	if o.Scheduler == nil {
		o.Scheduler = timer.Real{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type pendingEntry struct {
	PendingUpdate
	confirmed bool
	timer     timer.Timer
}

type outbound struct {
	topic   string
	payload any
}

// round accumulates the side effects of one apply pass. They are delivered
// after the engine lock is released.
type round struct {
	emits []outbound
	notes []Notification
}

func (r *round) emit(topic string, payload any) {
	r.emits = append(r.emits, outbound{topic: topic, payload: payload})
}

func (r *round) notify(n Notification) {
	r.notes = append(r.notes, n)
}

// Engine owns the replica. All methods are safe for concurrent use; updates
// are applied one at a time under the engine lock.
type Engine struct {
	link   Link
	opts   Options
	logger *zap.Logger

	bus  *pubsub.Bus[Notification]
	offs []func()

	mu           sync.Mutex
	replica      Replica
	lastConsumed int64
	localSeq     int64
	order        *orderBuffer
	pending      map[int64]*pendingEntry
	byAction     map[string]int64
	conflicts    map[string]protocol.ConflictRequest
	connected    bool
	sessionID    string
	resyncTimer  timer.Timer
	resyncGen    uint64
	stats        Stats
	closed       bool
}

// NewEngine creates an Engine bound to link. Inbound routes and the
// connection listener are registered immediately.
//
// Precondition: link must not be nil.
func NewEngine(link Link, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	e := &Engine{
		link:      link,
		opts:      opts,
		logger:    logger,
		bus:       pubsub.NewBus[Notification](logger),
		replica:   newReplica(),
		order:     newOrderBuffer(opts.ReorderWindow),
		pending:   make(map[int64]*pendingEntry),
		byAction:  make(map[string]int64),
		conflicts: make(map[string]protocol.ConflictRequest),
	}
	for _, topic := range protocol.UpdateTopics {
		topic := topic
		e.offs = append(e.offs, link.Route(topic, func(ev channel.Event) { e.handle(topic, ev.Data) }))
	}
	e.offs = append(e.offs, link.Route(protocol.TopicWelcome, func(ev channel.Event) { e.handleWelcome(ev.Data) }))
	e.offs = append(e.offs, link.OnStateChange(e.handleStateChange))
	if link.IsConnected() {
		e.handleStateChange(resilience.SessionState{Phase: resilience.PhaseConnected, Connected: true})
	}
	return e
}

// Snapshot returns a deep copy of the replica.
func (e *Engine) Snapshot() Replica {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replica.Clone()
}

// Stats returns the apply-path counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Pending returns the unconfirmed local actions ordered by identifier.
func (e *Engine) Pending() []PendingUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingUpdate, 0, len(e.pending))
	for _, p := range e.pending {
		if !p.confirmed {
			out = append(out, p.PendingUpdate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateID < out[j].UpdateID })
	return out
}

// OpenConflicts returns the conflict resolutions requested but not yet answered.
func (e *Engine) OpenConflicts() []protocol.ConflictRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.ConflictRequest, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateID < out[j].UpdateID })
	return out
}

// Subscribe registers fn for notifications on topic.
//
// Postcondition: Returns an idempotent unsubscribe func.
func (e *Engine) Subscribe(topic Topic, fn func(Notification)) (unsubscribe func()) {
	return e.bus.Subscribe(string(topic), fn)
}

// SendAction applies a local action optimistically and transmits it.
//
// Postcondition: Returns false without side effects when the link is not
// connected or the action is invalid; otherwise the action is in the replica's
// action log as pending and true is returned.
func (e *Engine) SendAction(a protocol.Action) bool {
	if !e.link.IsConnected() {
		return false
	}
	if err := a.Validate(); err != nil {
		e.logger.Warn("refusing invalid local action", zap.Error(err))
		return false
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	id := max(e.localSeq, e.lastConsumed) + 1
	e.localSeq = id
	if a.ActionID == "" {
		a.ActionID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = e.opts.Now()
	}
	a.UpdateID = id
	a.Pending = true
	e.appendActionLocked(a)

	entry := &pendingEntry{PendingUpdate: PendingUpdate{UpdateID: id, Action: a, AppliedAt: e.opts.Now()}}
	entry.timer = e.opts.Scheduler.AfterFunc(e.opts.PendingTimeout, func() { e.expirePending(id) })
	e.pending[id] = entry
	e.byAction[a.ActionID] = id
	note := Notification{Topic: TopicAction, UpdateID: id, Payload: a, Snapshot: e.replica.Clone()}
	e.mu.Unlock()

	if err := e.link.Emit(protocol.TopicGameAction, a); err != nil {
		e.logger.Warn("action applied locally but not transmitted",
			zap.String("action", a.ActionID), zap.Error(err))
	}
	e.bus.Publish(string(note.Topic), note)
	return true
}

// Close unregisters the engine from its link and stops its timers.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.stopResyncLocked()
	for _, p := range e.pending {
		timer.Stop(p.timer)
	}
	offs := e.offs
	e.offs = nil
	e.mu.Unlock()
	for _, off := range offs {
		off()
	}
	e.bus.Clear()
}

// handle decodes and applies one inbound update. It never panics.
func (e *Engine) handle(topic string, data json.RawMessage) {
	u, err := protocol.DecodeUpdate(topic, data)
	var subs []protocol.Update
	if err == nil {
		if b, ok := u.(*protocol.BatchUpdate); ok {
			subs, err = b.Decode()
		}
	}
	if err != nil {
		e.mu.Lock()
		e.stats.Malformed++
		e.mu.Unlock()
		e.logger.Warn("dropping malformed update", zap.String("topic", topic), zap.Error(err))
		return
	}

	var r round
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.applyGuarded(&r, u, subs)
	if len(r.notes) > 0 {
		snap := e.replica.Clone()
		for i := range r.notes {
			r.notes[i].Snapshot = snap
		}
	}
	e.mu.Unlock()

	e.flush(r)
}

func (e *Engine) applyGuarded(r *round, u protocol.Update, subs []protocol.Update) {
	defer func() {
		if p := recover(); p != nil {
			e.stats.Faults++
			e.logger.Error("update apply panicked",
				zap.String("topic", u.Topic()),
				zap.Int64("update", u.Sequence()),
				zap.Any("panic", p),
			)
		}
	}()
	if subs != nil {
		e.admitBatchLocked(r, newBatchUnit(u.(*protocol.BatchUpdate), subs))
		return
	}
	e.admitLocked(r, u)
}

func (e *Engine) flush(r round) {
	for _, out := range r.emits {
		if err := e.link.Emit(out.topic, out.payload); err != nil {
			e.logger.Debug("request not sent", zap.String("topic", out.topic), zap.Error(err))
		}
	}
	for _, n := range r.notes {
		e.bus.Publish(string(n.Topic), n)
	}
}

func (e *Engine) handleStateChange(s resilience.SessionState) {
	var r round
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if s.SessionID != "" {
		e.sessionID = s.SessionID
	}
	switch {
	case s.Connected && !e.connected:
		e.connected = true
		e.logger.Info("requesting full state", zap.Int64("since", e.replica.LastUpdateID))
		r.emit(protocol.TopicRequestFullState, protocol.SyncRequest{SessionID: e.sessionID, Since: e.replica.LastUpdateID})
		e.startResyncLocked()
	case !s.Connected && e.connected:
		e.connected = false
		e.stopResyncLocked()
	}
	r.notify(Notification{Topic: TopicConnection, Payload: s, Snapshot: e.replica.Clone()})
	e.mu.Unlock()
	e.flush(r)
}

// handleWelcome resets the ordering cursor when the authority's sequence is
// behind what the replica has consumed, which means the authority restarted.
// The full state requested on connect then re-baselines the replica.
// LastUpdateID is left alone; it never decreases.
func (e *Engine) handleWelcome(data json.RawMessage) {
	var w protocol.Welcome
	if err := protocol.Unmarshal(data, &w); err != nil {
		e.logger.Warn("malformed welcome", zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.LastUpdate >= e.lastConsumed {
		return
	}
	e.logger.Warn("authority sequence restarted, resetting update cursor",
		zap.Int64("authority_last", w.LastUpdate), zap.Int64("consumed", e.lastConsumed))
	e.lastConsumed = w.LastUpdate
	e.order.clear()
}

func (e *Engine) startResyncLocked() {
	e.stopResyncLocked()
	gen := e.resyncGen
	e.resyncTimer = e.opts.Scheduler.AfterFunc(e.opts.ResyncInterval, func() { e.resyncTick(gen) })
}

func (e *Engine) stopResyncLocked() {
	e.resyncGen++
	timer.Stop(e.resyncTimer)
	e.resyncTimer = nil
}

func (e *Engine) resyncTick(gen uint64) {
	var r round
	e.mu.Lock()
	if e.closed || gen != e.resyncGen || !e.connected {
		e.mu.Unlock()
		return
	}
	e.stats.ResyncRequests++
	r.emit(protocol.TopicRequestStateSync, protocol.SyncRequest{
		SessionID: e.sessionID,
		Since:     e.replica.LastUpdateID,
		Pending:   len(e.pending),
	})
	e.resyncTimer = e.opts.Scheduler.AfterFunc(e.opts.ResyncInterval, func() { e.resyncTick(gen) })
	e.mu.Unlock()
	e.flush(r)
}

// expirePending forgets an unconfirmed action. The optimistic log entry is
// kept but no longer marked pending, and a resync is requested so the
// authority's record replaces it.
func (e *Engine) expirePending(id int64) {
	var r round
	e.mu.Lock()
	p, ok := e.pending[id]
	if e.closed || !ok {
		e.mu.Unlock()
		return
	}
	e.dropPendingLocked(p)
	if p.confirmed {
		e.mu.Unlock()
		return
	}
	e.stats.Expired++
	e.stats.ResyncRequests++
	e.unmarkPendingLocked(p.Action.ActionID)
	e.logger.Warn("pending action expired unconfirmed",
		zap.Int64("update", id), zap.String("action", p.Action.ActionID))
	r.emit(protocol.TopicRequestStateSync, protocol.SyncRequest{
		SessionID: e.sessionID,
		Since:     e.replica.LastUpdateID,
		Pending:   len(e.pending),
	})
	e.mu.Unlock()
	e.flush(r)
}

func (e *Engine) dropPendingLocked(p *pendingEntry) {
	timer.Stop(p.timer)
	delete(e.pending, p.UpdateID)
	if e.byAction[p.Action.ActionID] == p.UpdateID {
		delete(e.byAction, p.Action.ActionID)
	}
}
