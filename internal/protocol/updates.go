package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Update is a sequenced replica update.
// An UpdateID of zero marks an unsequenced update.
type Update interface {
	// Topic returns the wire topic the update travels on.
	Topic() string
	// Sequence returns the update identifier.
	Sequence() int64
	// SetSequence stamps the update identifier.
	SetSequence(id int64)
	// Validate checks required fields.
	Validate() error
}

// GameStateUpdate replaces the whole replica.
type GameStateUpdate struct {
	UpdateID       int64    `json:"updateId"`
	Players        []Player `json:"players"`
	Pot            int64    `json:"pot"`
	Phase          Phase    `json:"phase"`
	CommunityCards []string `json:"communityCards,omitempty"`
	Actions        []Action `json:"actions,omitempty"`
}

func (u *GameStateUpdate) Topic() string { return TopicGameStateUpdate }
func (u *GameStateUpdate) Sequence() int64 { return u.UpdateID }
func (u *GameStateUpdate) SetSequence(id int64) { u.UpdateID = id }

// Validate checks pot, phase, cards and player uniqueness.
func (u *GameStateUpdate) Validate() error {
	if u.Pot < 0 {
		return fmt.Errorf("%w: negative pot %d", ErrMalformed, u.Pot)
	}
	if u.Phase != "" && !u.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrMalformed, u.Phase)
	}
	if err := validateCards(u.CommunityCards); err != nil {
		return err
	}
	seen := make(map[string]bool, len(u.Players))
	for _, p := range u.Players {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate player %s", ErrMalformed, p.ID)
		}
		seen[p.ID] = true
	}
	for _, a := range u.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PlayerUpdate replaces or removes one player record.
type PlayerUpdate struct {
	UpdateID int64  `json:"updateId"`
	Player   Player `json:"player"`
	Removed  bool   `json:"removed,omitempty"`
}

func (u *PlayerUpdate) Topic() string { return TopicPlayerUpdate }
func (u *PlayerUpdate) Sequence() int64 { return u.UpdateID }
func (u *PlayerUpdate) SetSequence(id int64) { u.UpdateID = id }
func (u *PlayerUpdate) Validate() error { return u.Player.Validate() }

// ActionUpdate appends a confirmed action to the action log.
type ActionUpdate struct {
	UpdateID int64  `json:"updateId"`
	Action   Action `json:"action"`
}

func (u *ActionUpdate) Topic() string { return TopicActionUpdate }
func (u *ActionUpdate) Sequence() int64 { return u.UpdateID }
func (u *ActionUpdate) SetSequence(id int64) { u.UpdateID = id }
func (u *ActionUpdate) Validate() error { return u.Action.Validate() }

// PotUpdate sets the pot amount.
type PotUpdate struct {
	UpdateID int64 `json:"updateId"`
	Pot      int64 `json:"pot"`
}

func (u *PotUpdate) Topic() string { return TopicPotUpdate }
func (u *PotUpdate) Sequence() int64 { return u.UpdateID }
func (u *PotUpdate) SetSequence(id int64) { u.UpdateID = id }

func (u *PotUpdate) Validate() error {
	if u.Pot < 0 {
		return fmt.Errorf("%w: negative pot %d", ErrMalformed, u.Pot)
	}
	return nil
}

// PhaseUpdate moves the hand to a new phase.
type PhaseUpdate struct {
	UpdateID int64 `json:"updateId"`
	Phase    Phase `json:"phase"`
}

func (u *PhaseUpdate) Topic() string { return TopicPhaseUpdate }
func (u *PhaseUpdate) Sequence() int64 { return u.UpdateID }
func (u *PhaseUpdate) SetSequence(id int64) { u.UpdateID = id }

func (u *PhaseUpdate) Validate() error {
	if !u.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrMalformed, u.Phase)
	}
	return nil
}

// CardUpdate appends to, or replaces, the community cards.
type CardUpdate struct {
	UpdateID int64    `json:"updateId"`
	Cards    []string `json:"cards"`
	Replace  bool     `json:"replace,omitempty"`
}

func (u *CardUpdate) Topic() string { return TopicCardUpdate }
func (u *CardUpdate) Sequence() int64 { return u.UpdateID }
func (u *CardUpdate) SetSequence(id int64) { u.UpdateID = id }

func (u *CardUpdate) Validate() error {
	if len(u.Cards) == 0 && !u.Replace {
		return fmt.Errorf("%w: card update without cards", ErrMalformed)
	}
	return validateCards(u.Cards)
}

// BatchUpdate carries an ordered list of sub-updates applied as one unit.
type BatchUpdate struct {
	UpdateID int64      `json:"updateId,omitempty"`
	Updates  []Envelope `json:"updates"`
}

func (u *BatchUpdate) Topic() string { return TopicBatchUpdate }
func (u *BatchUpdate) Sequence() int64 { return u.UpdateID }
func (u *BatchUpdate) SetSequence(id int64) { u.UpdateID = id }

func (u *BatchUpdate) Validate() error {
	if len(u.Updates) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	return nil
}

// Decode decodes and validates every sub-update in order.
// Nested batches are rejected.
func (u *BatchUpdate) Decode() ([]Update, error) {
	out := make([]Update, 0, len(u.Updates))
	for i, env := range u.Updates {
		if env.Topic == TopicBatchUpdate {
			return nil, fmt.Errorf("%w: nested batch at index %d", ErrMalformed, i)
		}
		sub, err := DecodeUpdate(env.Topic, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("batch index %d: %w", i, err)
		}
		out = append(out, sub)
	}
	return out, nil
}

// ConflictStrategy selects how a conflict resolution is applied.
type ConflictStrategy string

const (
	// StrategyRemote replaces the local record with the resolved one.
	StrategyRemote ConflictStrategy = "remote"
	// StrategyMerge overlays the resolved fields onto the local record.
	StrategyMerge ConflictStrategy = "merge"
)

// ConflictRequest asks the authority to settle a version conflict.
type ConflictRequest struct {
	ConflictID string `json:"conflictId"`
	Entity     string `json:"entity"`
	EntityID   string `json:"entityId"`
	Local      Player `json:"local"`
	Remote     Player `json:"remote"`
	UpdateID   int64  `json:"updateId"`
}

// ConflictResolution is the authority's answer to a ConflictRequest.
// Resolved holds the record (or, for merge, the fields) to force-apply.
type ConflictResolution struct {
	ConflictID string           `json:"conflictId"`
	PlayerID   string           `json:"playerId"`
	Strategy   ConflictStrategy `json:"strategy,omitempty"`
	Resolved   json.RawMessage  `json:"resolved"`
	UpdateID   int64            `json:"updateId,omitempty"`
}

func (u *ConflictResolution) Topic() string { return TopicConflictResolution }
// Resolutions are force-applied outside the update sequence; UpdateID only
// names the update that conflicted.
func (u *ConflictResolution) Sequence() int64 { return 0 }
func (u *ConflictResolution) SetSequence(int64) {}

func (u *ConflictResolution) Validate() error {
	if u.PlayerID == "" {
		return fmt.Errorf("%w: conflict resolution without player id", ErrMalformed)
	}
	if len(u.Resolved) == 0 {
		return fmt.Errorf("%w: conflict resolution without resolved record", ErrMalformed)
	}
	switch u.Strategy {
	case "", StrategyRemote, StrategyMerge:
	default:
		return fmt.Errorf("%w: unknown conflict strategy %q", ErrMalformed, u.Strategy)
	}
	return nil
}

// ActionRejected tells the originating client that an action was refused.
type ActionRejected struct {
	ActionID string `json:"actionId"`
	Reason   string `json:"reason,omitempty"`
}

func (u *ActionRejected) Topic() string { return TopicActionRejected }
func (u *ActionRejected) Sequence() int64 { return 0 }
func (u *ActionRejected) SetSequence(int64) {}

func (u *ActionRejected) Validate() error {
	if u.ActionID == "" {
		return fmt.Errorf("%w: rejection without action id", ErrMalformed)
	}
	return nil
}

// DecodeUpdate decodes and validates the payload of an update topic.
//
// Postcondition: Returns a validated Update, or an error wrapping ErrMalformed or ErrUnknownTopic.
func DecodeUpdate(topic string, payload json.RawMessage) (Update, error) {
	var u Update
	switch topic {
	case TopicGameStateUpdate:
		u = &GameStateUpdate{}
	case TopicPlayerUpdate:
		u = &PlayerUpdate{}
	case TopicActionUpdate:
		u = &ActionUpdate{}
	case TopicPotUpdate:
		u = &PotUpdate{}
	case TopicPhaseUpdate:
		u = &PhaseUpdate{}
	case TopicCardUpdate:
		u = &CardUpdate{}
	case TopicBatchUpdate:
		u = &BatchUpdate{}
	case TopicConflictResolution:
		u = &ConflictResolution{}
	case TopicActionRejected:
		u = &ActionRejected{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if err := Unmarshal(payload, u); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", topic, err)
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", topic, err)
	}
	return u, nil
}

// Heartbeat is the liveness probe; the ack echoes Seq.
type Heartbeat struct {
	Seq    int64     `json:"seq"`
	SentAt time.Time `json:"sentAt"`
}

// HealthCheck is an on-demand round-trip probe; the ack echoes ID.
type HealthCheck struct {
	ID         string    `json:"id"`
	SentAt     time.Time `json:"sentAt"`
	ServerTime time.Time `json:"serverTime,omitempty"`
}

// SyncRequest asks the authority for state. Since is the last identifier the
// client holds; Pending is the number of unconfirmed local actions.
type SyncRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Since     int64  `json:"since"`
	Pending   int    `json:"pending,omitempty"`
}

// Welcome is the first message the authority sends on a new connection.
type Welcome struct {
	PeerID     string    `json:"peerId"`
	LastUpdate int64     `json:"lastUpdate"`
	ServerTime time.Time `json:"serverTime"`
}

func validateCards(cards []string) error {
	for _, c := range cards {
		if !ValidCard(c) {
			return fmt.Errorf("%w: invalid card %q", ErrMalformed, c)
		}
	}
	return nil
}
