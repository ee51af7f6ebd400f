package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the betting phase of the current hand.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePreflop  Phase = "preflop"
	PhaseFlop     Phase = "flop"
	PhaseTurn     Phase = "turn"
	PhaseRiver    Phase = "river"
	PhaseShowdown Phase = "showdown"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhasePreflop, PhaseFlop, PhaseTurn, PhaseRiver, PhaseShowdown:
		return true
	}
	return false
}

// PlayerStatus is a seat's participation state in the current hand.
type PlayerStatus string

const (
	StatusActive     PlayerStatus = "active"
	StatusFolded     PlayerStatus = "folded"
	StatusAllIn      PlayerStatus = "all-in"
	StatusSittingOut PlayerStatus = "sitting-out"
)

// Valid reports whether s is a known status. The empty status is accepted
// and treated as active.
func (s PlayerStatus) Valid() bool {
	switch s {
	case "", StatusActive, StatusFolded, StatusAllIn, StatusSittingOut:
		return true
	}
	return false
}

// Player is one seat's record as known by the authority.
// Version increases every time the authority changes the record.
type Player struct {
	ID      string       `json:"id"`
	Name    string       `json:"name,omitempty"`
	Seat    int          `json:"seat"`
	Chips   int64        `json:"chips"`
	Bet     int64        `json:"bet"`
	Status  PlayerStatus `json:"status,omitempty"`
	Cards   []string     `json:"cards,omitempty"`
	Version int64        `json:"version"`
}

// Clone returns a deep copy of p.
func (p Player) Clone() Player {
	if p.Cards != nil {
		p.Cards = append([]string(nil), p.Cards...)
	}
	return p
}

// Validate checks the record's required fields.
func (p Player) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: player id is empty", ErrMalformed)
	}
	if p.Chips < 0 || p.Bet < 0 {
		return fmt.Errorf("%w: player %s has negative chips or bet", ErrMalformed, p.ID)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: player %s has unknown status %q", ErrMalformed, p.ID, p.Status)
	}
	for _, c := range p.Cards {
		if !ValidCard(c) {
			return fmt.Errorf("%w: player %s holds invalid card %q", ErrMalformed, p.ID, c)
		}
	}
	return nil
}

// ActionType is the kind of betting action a player takes.
type ActionType string

const (
	ActionFold  ActionType = "fold"
	ActionCheck ActionType = "check"
	ActionCall  ActionType = "call"
	ActionBet   ActionType = "bet"
	ActionRaise ActionType = "raise"
	ActionAllIn ActionType = "all-in"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionFold, ActionCheck, ActionCall, ActionBet, ActionRaise, ActionAllIn:
		return true
	}
	return false
}

// MovesChips reports whether the action puts chips into the pot.
func (t ActionType) MovesChips() bool {
	switch t {
	case ActionCall, ActionBet, ActionRaise, ActionAllIn:
		return true
	}
	return false
}

// Action is one betting action. ActionID is assigned by the originating client
// and echoed by the authority when it confirms the action.
type Action struct {
	ActionID  string     `json:"actionId,omitempty"`
	UpdateID  int64      `json:"updateId,omitempty"`
	PlayerID  string     `json:"playerId"`
	Type      ActionType `json:"type"`
	Amount    int64      `json:"amount,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Pending   bool       `json:"pending,omitempty"`
}

// Validate checks the action's required fields.
func (a Action) Validate() error {
	if a.PlayerID == "" {
		return fmt.Errorf("%w: action has no player id", ErrMalformed)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrMalformed, a.Type)
	}
	if a.Amount < 0 {
		return fmt.Errorf("%w: negative action amount %d", ErrMalformed, a.Amount)
	}
	if (a.Type == ActionBet || a.Type == ActionRaise) && a.Amount == 0 {
		return fmt.Errorf("%w: %s requires an amount", ErrMalformed, a.Type)
	}
	return nil
}

const (
	cardRanks = "23456789TJQKA"
	cardSuits = "cdhs"
)

// ValidCard reports whether c is a two-character card such as "Ah" or "Td".
func ValidCard(c string) bool {
	if len(c) != 2 {
		return false
	}
	return strings.IndexByte(cardRanks, c[0]) >= 0 && strings.IndexByte(cardSuits, c[1]) >= 0
}
