package authority

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// transport is one client connection as the hub sees it. Send is only called
// from the connection's writer goroutine and Recv only from its reader.
type transport interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	// Close ends the connection from the server side.
	Close() error
}

// Options configures a Hub.
type Options struct {
	// Token is the bearer token clients must present. Empty disables the check.
	Token        string
	OutboxSize   int
	WriteTimeout time.Duration
	Now          func() time.Time
}

// Hub serves connected peers from one Table.
type Hub struct {
	table  *Table
	opts   Options
	logger *zap.Logger

	// mu orders commits with broadcasts so every peer sees identifiers in order.
	mu    sync.Mutex
	peers map[string]*Peer

	muteHeartbeats atomic.Bool
}

// NewHub creates a Hub serving table.
//
// Precondition: table must not be nil.
func NewHub(table *Table, opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		table:  table,
		opts:   opts,
		logger: logger,
		peers:  make(map[string]*Peer),
	}
}

// Table returns the table the hub serves.
func (h *Hub) Table() *Table { return h.table }

// SetHeartbeatAcks turns heartbeat acknowledgements on or off. With acks off
// clients see a silent peer and time out.
func (h *Hub) SetHeartbeatAcks(on bool) { h.muteHeartbeats.Store(!on) }

// Peers returns the connected peer identifiers in sorted order.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Commit sequences u on the table and broadcasts it to every peer.
func (h *Hub) Commit(u protocol.Update) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.table.Commit(u); err != nil {
		return err
	}
	h.broadcastLocked(u.Topic(), u)
	return nil
}

// Broadcast sends an unsequenced message to every peer.
func (h *Hub) Broadcast(topic string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(topic, payload)
}

func (h *Hub) broadcastLocked(topic string, payload any) {
	data, err := protocol.Encode(topic, payload)
	if err != nil {
		h.logger.Error("encoding broadcast", zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, p := range h.peers {
		h.pushLocked(p, data)
	}
}

func (h *Hub) pushLocked(p *Peer, data []byte) {
	if err := p.Push(data); err != nil {
		h.logger.Warn("dropping slow peer", zap.String("peer", p.ID()), zap.Error(err))
		p.Kick()
	}
}

func (h *Hub) reply(p *Peer, topic string, payload any) {
	if err := p.Send(topic, payload); err != nil {
		h.logger.Warn("reply not queued", zap.String("peer", p.ID()), zap.String("topic", topic), zap.Error(err))
	}
}

// Kick drops every connected peer from the server side.
//
// Postcondition: Returns the number of peers kicked.
func (h *Hub) Kick() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		p.Kick()
	}
	h.logger.Info("kicked all peers", zap.Int("peers", len(h.peers)))
	return len(h.peers)
}

func (h *Hub) authorized(header string) bool {
	if h.opts.Token == "" {
		return true
	}
	want := protocol.BearerPrefix + h.opts.Token
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}

// join registers a new peer with the welcome message already queued, so it is
// the first frame the client sees.
func (h *Hub) join() *Peer {
	p := NewPeer(uuid.NewString(), h.opts.OutboxSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reply(p, protocol.TopicWelcome, protocol.Welcome{
		PeerID:     p.ID(),
		LastUpdate: h.table.Seq(),
		ServerTime: h.opts.Now(),
	})
	h.peers[p.ID()] = p
	return p
}

func (h *Hub) leave(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p.ID())
	h.mu.Unlock()
	p.Close()
}

// serve runs one connection until the client leaves or the peer is kicked.
func (h *Hub) serve(ctx context.Context, t transport) error {
	p := h.join()
	defer h.leave(p)
	logger := h.logger.With(zap.String("peer", p.ID()))
	logger.Info("peer connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readLoop(p, t)
		cancel()
	}()

	h.forward(ctx, p, t, logger)

	if p.Kicked() {
		logger.Info("closing kicked peer")
		return t.Close()
	}
	select {
	case err := <-readErr:
		logger.Info("peer disconnected", zap.Error(err))
	default:
		logger.Info("peer disconnected")
	}
	return nil
}

// forward drains the peer's outbox onto the connection.
func (h *Hub) forward(ctx context.Context, p *Peer, t transport, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-p.Outbox():
			if !ok {
				return
			}
			if err := t.Send(data); err != nil {
				logger.Debug("forward send failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) readLoop(p *Peer, t transport) error {
	for {
		data, err := t.Recv()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			h.logger.Warn("dropping undecodable frame", zap.String("peer", p.ID()), zap.Error(err))
			continue
		}
		h.dispatch(p, env)
	}
}

// dispatch answers one client message.
func (h *Hub) dispatch(p *Peer, env protocol.Envelope) {
	var err error
	switch env.Topic {
	case protocol.TopicHeartbeat:
		if !h.muteHeartbeats.Load() {
			h.reply(p, protocol.TopicHeartbeatAck, env.Payload)
		}
	case protocol.TopicHealthCheck:
		err = h.handleHealthCheck(p, env.Payload)
	case protocol.TopicRequestFullState:
		h.mu.Lock()
		h.reply(p, protocol.TopicGameStateUpdate, h.table.FullState())
		h.mu.Unlock()
	case protocol.TopicRequestUpdates, protocol.TopicRequestStateSync:
		err = h.handleSync(p, env.Topic, env.Payload)
	case protocol.TopicGameAction:
		err = h.handleAction(p, env.Payload)
	case protocol.TopicRequestConflictResolution:
		err = h.handleConflict(p, env.Payload)
	default:
		h.logger.Debug("ignoring client topic", zap.String("peer", p.ID()), zap.String("topic", env.Topic))
	}
	if err != nil {
		h.logger.Warn("handling client message",
			zap.String("peer", p.ID()), zap.String("topic", env.Topic), zap.Error(err))
	}
}

func (h *Hub) handleHealthCheck(p *Peer, payload json.RawMessage) error {
	var hc protocol.HealthCheck
	if err := protocol.Unmarshal(payload, &hc); err != nil {
		return err
	}
	hc.ServerTime = h.opts.Now()
	h.reply(p, protocol.TopicHealthCheckAck, hc)
	return nil
}

// handleSync answers with the journaled updates after req.Since as one batch,
// or with the full state when the journal no longer reaches back that far.
func (h *Hub) handleSync(p *Peer, topic string, payload json.RawMessage) error {
	var req protocol.SyncRequest
	if err := protocol.Unmarshal(payload, &req); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	updates, ok := h.table.Since(req.Since)
	switch {
	case !ok:
		h.reply(p, protocol.TopicGameStateUpdate, h.table.FullState())
	case len(updates) > 0:
		h.reply(p, protocol.TopicBatchUpdate, protocol.BatchUpdate{Updates: updates})
	case topic == protocol.TopicRequestStateSync:
		// A caught-up state sync still gets the authoritative record so the
		// client can drop optimistic entries that were never confirmed.
		h.reply(p, protocol.TopicGameStateUpdate, h.table.FullState())
	}
	return nil
}

// handleAction applies a client action and broadcasts its consequences, or
// tells the sender it was rejected.
func (h *Hub) handleAction(p *Peer, payload json.RawMessage) error {
	var a protocol.Action
	if err := protocol.Unmarshal(payload, &a); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	updates, err := h.table.ApplyAction(a)
	if err != nil {
		h.logger.Info("rejecting action",
			zap.String("peer", p.ID()), zap.String("action", a.ActionID), zap.Error(err))
		if a.ActionID != "" {
			h.reply(p, protocol.TopicActionRejected, protocol.ActionRejected{ActionID: a.ActionID, Reason: err.Error()})
		}
		return nil
	}
	if len(updates) == 1 {
		h.broadcastLocked(updates[0].Topic(), updates[0])
		return nil
	}
	batch := protocol.BatchUpdate{}
	for _, u := range updates {
		env, err := protocol.NewEnvelope(u.Topic(), u)
		if err != nil {
			return err
		}
		batch.Updates = append(batch.Updates, env)
	}
	h.broadcastLocked(protocol.TopicBatchUpdate, batch)
	return nil
}

// handleConflict settles a version conflict in favour of the authority's record.
func (h *Hub) handleConflict(p *Peer, payload json.RawMessage) error {
	var req protocol.ConflictRequest
	if err := protocol.Unmarshal(payload, &req); err != nil {
		return err
	}
	if req.ConflictID == "" || req.EntityID == "" {
		return errors.New("conflict request without identifiers")
	}
	rec, ok := h.table.Player(req.EntityID)
	if !ok {
		h.mu.Lock()
		h.reply(p, protocol.TopicGameStateUpdate, h.table.FullState())
		h.mu.Unlock()
		return nil
	}
	resolved, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	h.reply(p, protocol.TopicConflictResolution, protocol.ConflictResolution{
		ConflictID: req.ConflictID,
		PlayerID:   req.EntityID,
		Strategy:   protocol.StrategyRemote,
		Resolved:   resolved,
		UpdateID:   req.UpdateID,
	})
	return nil
}
