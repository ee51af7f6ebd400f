// Package statesync maintains the local replica of the authoritative table
// state, applying sequenced updates, batches, optimistic local actions, and
// conflict resolutions in one serialized apply path.
package statesync

import (
	"time"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// Replica is a snapshot of the table state.
// Values handed to callers are deep copies.
type Replica struct {
	Players        map[string]protocol.Player
	Pot            int64
	Phase          protocol.Phase
	CommunityCards []string
	Actions        []protocol.Action
	LastUpdateID   int64
}

func newReplica() Replica {
	return Replica{Players: make(map[string]protocol.Player), Phase: protocol.PhaseWaiting}
}

// Clone returns a deep copy of r.
func (r Replica) Clone() Replica {
	out := r
	out.Players = make(map[string]protocol.Player, len(r.Players))
	for id, p := range r.Players {
		out.Players[id] = p.Clone()
	}
	out.CommunityCards = append([]string(nil), r.CommunityCards...)
	out.Actions = append([]protocol.Action(nil), r.Actions...)
	return out
}

// Player returns the record for id.
func (r Replica) Player(id string) (protocol.Player, bool) {
	p, ok := r.Players[id]
	return p, ok
}

// PendingUpdate is an optimistic local action awaiting confirmation.
type PendingUpdate struct {
	UpdateID  int64
	Action    protocol.Action
	AppliedAt time.Time
}

// Stats counts apply-path outcomes.
type Stats struct {
	Applied        int
	Stale          int
	Buffered       int
	Malformed      int
	Conflicts      int
	Rejected       int
	Expired        int
	ResyncRequests int
	Faults         int
}
