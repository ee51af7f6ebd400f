package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// Scenario is a scripted hand the development authority plays to its peers.
//
// Precondition: Name must be non-empty after loading.
type Scenario struct {
	Name    string           `yaml:"name"`
	Players []ScenarioPlayer `yaml:"players"`
	Steps   []Step           `yaml:"steps"`
}

// ScenarioPlayer seats one player when the scenario starts.
type ScenarioPlayer struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Seat  int    `yaml:"seat"`
	Chips int64  `yaml:"chips"`
}

// Step is one scripted event. Exactly one of Topic, Kick or Heartbeats is set.
type Step struct {
	After      time.Duration  `yaml:"after"`
	Topic      string         `yaml:"topic"`
	Payload    map[string]any `yaml:"payload"`
	Kick       bool           `yaml:"kick"`
	Heartbeats *bool          `yaml:"heartbeats"`
}

// Update decodes the step's payload as an update on its topic.
func (s Step) Update() (protocol.Update, error) {
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", s.Topic, err)
	}
	return protocol.DecodeUpdate(s.Topic, raw)
}

func (s Step) validate() error {
	set := 0
	if s.Topic != "" {
		set++
	}
	if s.Kick {
		set++
	}
	if s.Heartbeats != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("step must set exactly one of topic, kick, heartbeats")
	}
	if s.After < 0 {
		return fmt.Errorf("negative delay %s", s.After)
	}
	if s.Topic == "" {
		return nil
	}
	u, err := s.Update()
	if err != nil {
		return err
	}
	if !sequenced(u) {
		return fmt.Errorf("%w: %s", ErrUnsequenced, s.Topic)
	}
	return nil
}

// ParseScenario parses and validates a YAML scenario.
//
// Postcondition: Returns a scenario whose every step decodes, or a non-nil error.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("scenario has no name")
	}
	seen := make(map[string]bool, len(s.Players))
	for _, p := range s.Players {
		if p.ID == "" || seen[p.ID] {
			return nil, fmt.Errorf("scenario %s: missing or duplicate player id %q", s.Name, p.ID)
		}
		if p.Chips < 0 {
			return nil, fmt.Errorf("scenario %s: player %s has negative chips", s.Name, p.ID)
		}
		seen[p.ID] = true
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return nil, fmt.Errorf("scenario %s step %d: %w", s.Name, i, err)
		}
	}
	return &s, nil
}

// LoadScenario reads and parses the scenario file at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseScenario(data)
}

// Seating returns the full-state update that seats the scenario's players.
func (s *Scenario) Seating() *protocol.GameStateUpdate {
	u := &protocol.GameStateUpdate{Phase: protocol.PhaseWaiting}
	for _, p := range s.Players {
		u.Players = append(u.Players, protocol.Player{
			ID:      p.ID,
			Name:    p.Name,
			Seat:    p.Seat,
			Chips:   p.Chips,
			Status:  protocol.StatusActive,
			Version: 1,
		})
	}
	return u
}

// Play seats the players and runs every step against h, honouring each
// step's delay.
//
// Postcondition: Returns nil after the last step, ctx.Err() if cancelled, or the first commit error.
func (s *Scenario) Play(ctx context.Context, h *Hub, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := h.Commit(s.Seating()); err != nil {
		return fmt.Errorf("seating players: %w", err)
	}
	logger.Info("scenario started", zap.String("scenario", s.Name), zap.Int("steps", len(s.Steps)))

	for i, st := range s.Steps {
		if st.After > 0 {
			t := time.NewTimer(st.After)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case st.Kick:
			h.Kick()
		case st.Heartbeats != nil:
			h.SetHeartbeatAcks(*st.Heartbeats)
		default:
			u, err := st.Update()
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if err := h.Commit(u); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		logger.Debug("scenario step played", zap.Int("step", i), zap.String("topic", st.Topic))
	}
	logger.Info("scenario finished", zap.String("scenario", s.Name))
	return nil
}
