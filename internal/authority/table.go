// Package authority is an in-process table authority used for development and
// tests. It owns the authoritative table state, stamps update identifiers,
// journals sequenced updates for catch-up, and serves overlay clients over
// WebSocket and gRPC.
package authority

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// Errors returned by ApplyAction. The message travels to the client as the
// rejection reason.
var (
	ErrUnknownPlayer     = errors.New("unknown player")
	ErrPlayerFolded      = errors.New("player has folded")
	ErrInsufficientChips = errors.New("insufficient chips")
	ErrUnsequenced       = errors.New("update cannot be sequenced")
)

type journalEntry struct {
	id  int64
	env protocol.Envelope
}

// Table is the authoritative table state. All methods are safe for concurrent use.
type Table struct {
	mu          sync.Mutex
	seq         int64
	players     map[string]protocol.Player
	pot         int64
	phase       protocol.Phase
	cards       []string
	actions     []protocol.Action
	actionLimit int
	journal     []journalEntry
	journalSize int
}

// NewTable creates an empty table in the waiting phase.
//
// Postcondition: journalSize and actionLimit values below 1 fall back to 256 and 50.
func NewTable(journalSize, actionLimit int) *Table {
	if journalSize < 1 {
		journalSize = 256
	}
	if actionLimit < 1 {
		actionLimit = 50
	}
	return &Table{
		players:     make(map[string]protocol.Player),
		phase:       protocol.PhaseWaiting,
		actionLimit: actionLimit,
		journalSize: journalSize,
	}
}

// Seq returns the last identifier stamped.
func (t *Table) Seq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Player returns the authoritative record for id.
func (t *Table) Player(id string) (protocol.Player, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.players[id]
	return p.Clone(), ok
}

// Commit stamps u with the next identifier, applies it, and journals it. Each
// sub-update of a batch gets its own identifier; the batch itself stays
// unsequenced.
//
// Precondition: u must be a sequenced update type.
// Postcondition: u carries its identifier, or an error is returned and the table is unchanged.
func (t *Table) Commit(u protocol.Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := u.(*protocol.BatchUpdate)
	if !ok {
		return t.commitLocked(u)
	}
	subs, err := b.Decode()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sequenced(sub) {
			return fmt.Errorf("%w: %s inside batch", ErrUnsequenced, sub.Topic())
		}
	}
	b.UpdateID = 0
	b.Updates = b.Updates[:0]
	for _, sub := range subs {
		if err := t.commitLocked(sub); err != nil {
			return err
		}
		env, err := protocol.NewEnvelope(sub.Topic(), sub)
		if err != nil {
			return err
		}
		b.Updates = append(b.Updates, env)
	}
	return nil
}

func sequenced(u protocol.Update) bool {
	switch u.(type) {
	case *protocol.ConflictResolution, *protocol.ActionRejected, *protocol.BatchUpdate:
		return false
	}
	return true
}

func (t *Table) commitLocked(u protocol.Update) error {
	if !sequenced(u) {
		return fmt.Errorf("%w: %s", ErrUnsequenced, u.Topic())
	}
	t.seq++
	u.SetSequence(t.seq)

	switch u := u.(type) {
	case *protocol.GameStateUpdate:
		t.players = make(map[string]protocol.Player, len(u.Players))
		for _, p := range u.Players {
			t.players[p.ID] = p.Clone()
		}
		t.pot = u.Pot
		if u.Phase != "" {
			t.phase = u.Phase
		}
		t.cards = append([]string(nil), u.CommunityCards...)
		t.actions = append([]protocol.Action(nil), u.Actions...)
	case *protocol.PlayerUpdate:
		if u.Removed {
			delete(t.players, u.Player.ID)
			break
		}
		if u.Player.Version == 0 {
			u.Player.Version = t.players[u.Player.ID].Version + 1
		}
		t.players[u.Player.ID] = u.Player.Clone()
	case *protocol.ActionUpdate:
		u.Action.UpdateID = u.UpdateID
		u.Action.Pending = false
		t.actions = append(t.actions, u.Action)
		if over := len(t.actions) - t.actionLimit; over > 0 {
			t.actions = append([]protocol.Action(nil), t.actions[over:]...)
		}
	case *protocol.PotUpdate:
		t.pot = u.Pot
	case *protocol.PhaseUpdate:
		t.phase = u.Phase
	case *protocol.CardUpdate:
		if u.Replace {
			t.cards = append([]string(nil), u.Cards...)
		} else {
			t.cards = append(t.cards, u.Cards...)
		}
	}

	env, err := protocol.NewEnvelope(u.Topic(), u)
	if err != nil {
		return err
	}
	t.journal = append(t.journal, journalEntry{id: t.seq, env: env})
	if over := len(t.journal) - t.journalSize; over > 0 {
		t.journal = append([]journalEntry(nil), t.journal[over:]...)
	}
	return nil
}

// ApplyAction validates a client action against the table and commits its
// consequences: the confirming action update, then the acting player's record
// and the pot for chip-moving actions.
//
// Postcondition: Returns the committed updates in order, or an error and no changes.
func (t *Table) ApplyAction(a protocol.Action) ([]protocol.Update, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.players[a.PlayerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, a.PlayerID)
	}
	if p.Status == protocol.StatusFolded {
		return nil, fmt.Errorf("%w: %s", ErrPlayerFolded, a.PlayerID)
	}

	amount := a.Amount
	if a.Type == protocol.ActionAllIn {
		amount = p.Chips
		a.Amount = amount
	}
	if a.Type.MovesChips() && amount > p.Chips {
		return nil, fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientChips, a.PlayerID, p.Chips, amount)
	}

	out := []protocol.Update{&protocol.ActionUpdate{Action: a}}
	switch {
	case a.Type == protocol.ActionFold:
		p.Status = protocol.StatusFolded
		p.Version = 0
		out = append(out, &protocol.PlayerUpdate{Player: p})
	case a.Type.MovesChips() && amount > 0:
		p.Chips -= amount
		p.Bet += amount
		if p.Chips == 0 {
			p.Status = protocol.StatusAllIn
		}
		p.Version = 0
		out = append(out,
			&protocol.PlayerUpdate{Player: p},
			&protocol.PotUpdate{Pot: t.pot + amount},
		)
	}
	for _, u := range out {
		if err := t.commitLocked(u); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FullState returns the whole table stamped with the current identifier.
func (t *Table) FullState() *protocol.GameStateUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := &protocol.GameStateUpdate{
		UpdateID:       t.seq,
		Pot:            t.pot,
		Phase:          t.phase,
		CommunityCards: append([]string(nil), t.cards...),
		Actions:        append([]protocol.Action(nil), t.actions...),
	}
	for _, p := range t.players {
		u.Players = append(u.Players, p.Clone())
	}
	sortPlayers(u.Players)
	return u
}

// Since returns the journaled updates after id, oldest first.
//
// Postcondition: Returns false when the journal no longer reaches back to id.
func (t *Table) Since(id int64) ([]protocol.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= t.seq {
		return nil, true
	}
	if len(t.journal) == 0 || t.journal[0].id > id+1 {
		return nil, false
	}
	var out []protocol.Envelope
	for _, e := range t.journal {
		if e.id > id {
			out = append(out, e.env)
		}
	}
	return out, true
}

func sortPlayers(players []protocol.Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].Seat != players[j].Seat {
			return players[i].Seat < players[j].Seat
		}
		return players[i].ID < players[j].ID
	})
}
