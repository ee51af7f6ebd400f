package statesync

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// admitLocked runs u through the identifier gate and applies it, or buffers
// or drops it.
//
// Precondition: e.mu is held.
func (e *Engine) admitLocked(r *round, u protocol.Update) {
	id := u.Sequence()
	if id == 0 {
		e.applyLocked(r, u)
		return
	}

	if gs, ok := u.(*protocol.GameStateUpdate); ok {
		if id < e.lastConsumed {
			e.stats.Stale++
			e.logger.Debug("dropping stale full state", zap.Int64("update", id), zap.Int64("last", e.lastConsumed))
			return
		}
		e.consumeLocked(r, gs)
		e.order.discardThrough(id)
		e.drainLocked(r)
		return
	}

	switch {
	case id <= e.lastConsumed:
		e.stats.Stale++
		e.logger.Debug("dropping stale update",
			zap.String("topic", u.Topic()), zap.Int64("update", id), zap.Int64("last", e.lastConsumed))
	case e.lastConsumed == 0 || id == e.lastConsumed+1:
		e.consumeLocked(r, u)
		e.drainLocked(r)
	case id-e.lastConsumed <= e.order.window():
		wasEmpty := e.order.len() == 0
		if !e.order.put(u) {
			e.stats.Stale++
			return
		}
		e.stats.Buffered++
		if wasEmpty {
			e.stats.ResyncRequests++
			r.emit(protocol.TopicRequestUpdates, protocol.SyncRequest{SessionID: e.sessionID, Since: e.lastConsumed})
		}
	default:
		e.order.clear()
		e.stats.ResyncRequests++
		e.logger.Warn("update gap beyond reorder window, requesting full state",
			zap.Int64("update", id), zap.Int64("last", e.lastConsumed), zap.Int64("window", e.order.window()))
		r.emit(protocol.TopicRequestFullState, protocol.SyncRequest{SessionID: e.sessionID, Since: e.lastConsumed})
	}
}

// consumeLocked applies a sequenced update and advances the ordering cursor.
func (e *Engine) consumeLocked(r *round, u protocol.Update) {
	id := u.Sequence()
	if id > e.lastConsumed {
		e.lastConsumed = id
	}
	e.applyLocked(r, u)
}

// drainLocked applies buffered updates while the next identifier is present.
func (e *Engine) drainLocked(r *round) {
	for {
		next, ok := e.order.take(e.lastConsumed + 1)
		if !ok {
			return
		}
		if unit, ok := next.(*batchUnit); ok {
			e.applyBatchLocked(r, unit)
			continue
		}
		e.consumeLocked(r, next)
	}
}

// batchUnit carries a decoded batch through the identifier gate as a single
// entry keyed by its lowest sequenced sub-update, so a batch that arrives
// ahead of a gap is buffered whole and applied whole.
type batchUnit struct {
	batch       *protocol.BatchUpdate
	subs        []protocol.Update
	first, last int64
}

func newBatchUnit(b *protocol.BatchUpdate, subs []protocol.Update) *batchUnit {
	u := &batchUnit{batch: b, subs: subs}
	for _, sub := range subs {
		id := sub.Sequence()
		if id == 0 {
			continue
		}
		if u.first == 0 || id < u.first {
			u.first = id
		}
		u.last = max(u.last, id)
	}
	return u
}

func (u *batchUnit) Topic() string     { return protocol.TopicBatchUpdate }
func (u *batchUnit) Sequence() int64   { return u.first }
func (u *batchUnit) SetSequence(int64) {}
func (u *batchUnit) Validate() error   { return nil }

// admitBatchLocked gates a batch as one unit.
//
// Precondition: e.mu is held.
func (e *Engine) admitBatchLocked(r *round, unit *batchUnit) {
	if id := unit.batch.UpdateID; id != 0 && id <= e.lastConsumed {
		e.stats.Stale++
		return
	}
	if unit.first != 0 && unit.last <= e.lastConsumed {
		e.stats.Stale++
		e.logger.Debug("dropping stale batch", zap.Int64("last_sub", unit.last), zap.Int64("last", e.lastConsumed))
		return
	}
	if unit.first == 0 || e.lastConsumed == 0 || unit.first <= e.lastConsumed+1 {
		e.applyBatchLocked(r, unit)
		e.drainLocked(r)
		return
	}
	e.admitLocked(r, unit)
}

// applyBatchLocked applies pre-validated sub-updates in order. The batch
// notification is queued ahead of every sub-update notification.
func (e *Engine) applyBatchLocked(r *round, unit *batchUnit) {
	var inner round
	for _, sub := range unit.subs {
		id := sub.Sequence()
		switch {
		case id == 0:
			e.applyLocked(&inner, sub)
		case id <= e.lastConsumed:
			e.stats.Stale++
		default:
			e.consumeLocked(&inner, sub)
		}
	}
	e.order.discardThrough(e.lastConsumed)
	r.emits = append(r.emits, inner.emits...)
	r.notify(Notification{Topic: TopicBatch, UpdateID: unit.last, Payload: unit.batch})
	r.notes = append(r.notes, inner.notes...)
}

// applyLocked mutates the replica for one admitted update.
func (e *Engine) applyLocked(r *round, u protocol.Update) {
	id := u.Sequence()
	switch u := u.(type) {
	case *protocol.GameStateUpdate:
		e.applyGameStateLocked(u)
		r.notify(Notification{Topic: TopicGameState, UpdateID: id, Payload: u})
	case *protocol.PlayerUpdate:
		if !e.applyPlayerLocked(r, u) {
			return
		}
		r.notify(Notification{Topic: TopicPlayer, UpdateID: id, Payload: u})
	case *protocol.ActionUpdate:
		e.applyActionLocked(u)
		r.notify(Notification{Topic: TopicAction, UpdateID: id, Payload: u})
	case *protocol.PotUpdate:
		e.replica.Pot = u.Pot
		r.notify(Notification{Topic: TopicPot, UpdateID: id, Payload: u})
	case *protocol.PhaseUpdate:
		e.replica.Phase = u.Phase
		r.notify(Notification{Topic: TopicPhase, UpdateID: id, Payload: u})
	case *protocol.CardUpdate:
		e.applyCardsLocked(u)
		r.notify(Notification{Topic: TopicCards, UpdateID: id, Payload: u})
	case *protocol.ConflictResolution:
		e.applyResolutionLocked(r, u)
		return
	case *protocol.ActionRejected:
		e.applyRejectedLocked(r, u)
		return
	case *protocol.BatchUpdate:
		e.stats.Malformed++
		e.logger.Warn("nested batch reached the apply path")
		return
	default:
		e.stats.Malformed++
		e.logger.Warn("unhandled update type", zap.String("topic", u.Topic()))
		return
	}
	e.stats.Applied++
	if id > e.replica.LastUpdateID {
		e.replica.LastUpdateID = id
	}
	if id > 0 {
		e.settlePendingLocked(id)
	}
}

// applyGameStateLocked replaces the replica and re-applies unconfirmed local
// actions on top of the new baseline.
func (e *Engine) applyGameStateLocked(u *protocol.GameStateUpdate) {
	next := newReplica()
	for _, p := range u.Players {
		next.Players[p.ID] = p.Clone()
	}
	next.Pot = u.Pot
	if u.Phase != "" {
		next.Phase = u.Phase
	}
	next.CommunityCards = e.capCards(append([]string(nil), u.CommunityCards...))
	next.LastUpdateID = e.replica.LastUpdateID
	e.replica = next

	confirmed := make(map[string]bool, len(u.Actions))
	for _, a := range u.Actions {
		a.Pending = false
		e.appendActionLocked(a)
		if a.ActionID != "" {
			confirmed[a.ActionID] = true
		}
	}
	for _, p := range e.sortedPendingLocked() {
		if confirmed[p.Action.ActionID] {
			p.confirmed = true
			continue
		}
		e.appendActionLocked(p.Action)
	}
}

// applyPlayerLocked applies a player record unless the local copy is newer,
// in which case a conflict resolution is requested instead.
//
// Postcondition: Returns false when the update was not applied.
func (e *Engine) applyPlayerLocked(r *round, u *protocol.PlayerUpdate) bool {
	local, known := e.replica.Players[u.Player.ID]
	if u.Removed {
		delete(e.replica.Players, u.Player.ID)
		return true
	}
	if known && local.Version > u.Player.Version {
		req := protocol.ConflictRequest{
			ConflictID: uuid.NewString(),
			Entity:     "player",
			EntityID:   u.Player.ID,
			Local:      local.Clone(),
			Remote:     u.Player.Clone(),
			UpdateID:   u.UpdateID,
		}
		e.conflicts[req.ConflictID] = req
		e.stats.Conflicts++
		e.logger.Info("player version conflict, requesting resolution",
			zap.String("player", u.Player.ID),
			zap.Int64("local_version", local.Version),
			zap.Int64("remote_version", u.Player.Version),
		)
		r.emit(protocol.TopicRequestConflictResolution, req)
		r.notify(Notification{Topic: TopicConflict, UpdateID: u.UpdateID, Payload: req})
		return false
	}
	e.replica.Players[u.Player.ID] = u.Player.Clone()
	return true
}

func (e *Engine) applyActionLocked(u *protocol.ActionUpdate) {
	a := u.Action
	a.UpdateID = u.UpdateID
	a.Pending = false

	if pid, ok := e.byAction[a.ActionID]; ok && a.ActionID != "" {
		p := e.pending[pid]
		if !e.replaceActionLocked(a) {
			e.appendActionLocked(a)
		}
		if u.UpdateID >= pid {
			e.dropPendingLocked(p)
		} else {
			p.confirmed = true
		}
		return
	}
	if a.ActionID != "" && e.replaceActionLocked(a) {
		return
	}
	e.appendActionLocked(a)
}

func (e *Engine) applyCardsLocked(u *protocol.CardUpdate) {
	var cards []string
	if u.Replace {
		cards = append(cards, u.Cards...)
	} else {
		cards = append(append(cards, e.replica.CommunityCards...), u.Cards...)
	}
	e.replica.CommunityCards = e.capCards(cards)
}

func (e *Engine) capCards(cards []string) []string {
	if len(cards) > e.opts.MaxCommunityCards {
		e.logger.Warn("community cards exceed table limit, truncating",
			zap.Int("cards", len(cards)), zap.Int("limit", e.opts.MaxCommunityCards))
		cards = cards[:e.opts.MaxCommunityCards]
	}
	return cards
}

// applyResolutionLocked force-applies the authority's answer to a conflict.
// It does not advance the last applied identifier.
func (e *Engine) applyResolutionLocked(r *round, u *protocol.ConflictResolution) {
	local, known := e.replica.Players[u.PlayerID]
	resolved, err := resolvePlayer(u, local, known)
	if err != nil {
		e.stats.Malformed++
		e.logger.Warn("dropping unusable conflict resolution",
			zap.String("conflict", u.ConflictID), zap.Error(err))
		return
	}
	delete(e.conflicts, u.ConflictID)
	e.replica.Players[resolved.ID] = resolved
	e.stats.Applied++
	r.notify(Notification{Topic: TopicConflict, UpdateID: u.UpdateID, Payload: u})
	r.notify(Notification{Topic: TopicPlayer, UpdateID: u.UpdateID, Payload: &protocol.PlayerUpdate{UpdateID: u.UpdateID, Player: resolved.Clone()}})
}

// resolvePlayer builds the record a resolution settles on. Merge overlays the
// resolved fields onto the local record; remote replaces it outright.
func resolvePlayer(u *protocol.ConflictResolution, local protocol.Player, known bool) (protocol.Player, error) {
	var out protocol.Player
	if u.Strategy == protocol.StrategyMerge && known {
		base, err := json.Marshal(local)
		if err != nil {
			return out, err
		}
		fields := make(map[string]json.RawMessage)
		if err := json.Unmarshal(base, &fields); err != nil {
			return out, err
		}
		overlay := make(map[string]json.RawMessage)
		if err := protocol.Unmarshal(u.Resolved, &overlay); err != nil {
			return out, err
		}
		for k, v := range overlay {
			fields[k] = v
		}
		merged, err := json.Marshal(fields)
		if err != nil {
			return out, err
		}
		if err := json.Unmarshal(merged, &out); err != nil {
			return out, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
		}
	} else if err := protocol.Unmarshal(u.Resolved, &out); err != nil {
		return out, err
	}
	if out.ID == "" {
		out.ID = u.PlayerID
	}
	if out.ID != u.PlayerID {
		return out, fmt.Errorf("%w: resolution for %s carries record %s", protocol.ErrMalformed, u.PlayerID, out.ID)
	}
	return out, out.Validate()
}

// applyRejectedLocked compensates for an action the authority refused.
func (e *Engine) applyRejectedLocked(r *round, u *protocol.ActionRejected) {
	pid, ok := e.byAction[u.ActionID]
	if !ok {
		e.logger.Debug("rejection for unknown action", zap.String("action", u.ActionID))
		return
	}
	p := e.pending[pid]
	e.removeActionLocked(u.ActionID)
	e.dropPendingLocked(p)
	e.stats.Rejected++
	e.logger.Info("local action rejected",
		zap.String("action", u.ActionID), zap.String("reason", u.Reason))
	r.notify(Notification{
		Topic:    TopicAction,
		UpdateID: pid,
		Payload:  p.Action,
		Rejected: true,
		Reason:   u.Reason,
	})
}

// settlePendingLocked drops confirmed pending actions once an update at or past
// their identifier has been applied.
func (e *Engine) settlePendingLocked(id int64) {
	for pid, p := range e.pending {
		if p.confirmed && id >= pid {
			e.dropPendingLocked(p)
		}
	}
}

func (e *Engine) sortedPendingLocked() []*pendingEntry {
	out := make([]*pendingEntry, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateID < out[j].UpdateID })
	return out
}

func (e *Engine) appendActionLocked(a protocol.Action) {
	e.replica.Actions = append(e.replica.Actions, a)
	if over := len(e.replica.Actions) - e.opts.ActionLogSize; over > 0 {
		e.replica.Actions = append([]protocol.Action(nil), e.replica.Actions[over:]...)
	}
}

// replaceActionLocked swaps the log entry carrying a.ActionID for a.
//
// Postcondition: Returns false if no entry carries the action ID.
func (e *Engine) replaceActionLocked(a protocol.Action) bool {
	for i := len(e.replica.Actions) - 1; i >= 0; i-- {
		if e.replica.Actions[i].ActionID == a.ActionID {
			e.replica.Actions[i] = a
			return true
		}
	}
	return false
}

// unmarkPendingLocked clears the pending flag on the log entry for actionID.
func (e *Engine) unmarkPendingLocked(actionID string) {
	for i := range e.replica.Actions {
		if e.replica.Actions[i].ActionID == actionID {
			e.replica.Actions[i].Pending = false
		}
	}
}

func (e *Engine) removeActionLocked(actionID string) {
	for i := len(e.replica.Actions) - 1; i >= 0; i-- {
		if e.replica.Actions[i].ActionID == actionID {
			e.replica.Actions = append(e.replica.Actions[:i:i], e.replica.Actions[i+1:]...)
			return
		}
	}
}
