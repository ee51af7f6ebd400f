package testutil

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/console"
	"github.com/cory-johannsen/tablesync/internal/overlay"
	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/statesync"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var transports = []string{config.TransportWebSocket, config.TransportGRPC}

func synced(s *overlay.Session, lastUpdate int64) func() bool {
	return func() bool {
		snap := s.Engine.Snapshot()
		return s.Manager.IsConnected() && snap.LastUpdateID >= lastUpdate && len(snap.Players) > 0
	}
}

func TestStack_ConnectLoadsFullState(t *testing.T) {
	for _, kind := range transports {
		t.Run(kind, func(t *testing.T) {
			a := NewAuthority(t, WithToken("tok"))
			s := NewSession(t, a.ClientConfig(kind), nil)

			require.Eventually(t, synced(s, 1), waitFor, tick)

			snap := s.Engine.Snapshot()
			assert.Equal(t, protocol.PhasePreflop, snap.Phase)
			assert.Equal(t, int64(500), snap.Players["p1"].Chips)
			assert.Equal(t, "Bo", snap.Players["p2"].Name)
			assert.NotEmpty(t, s.Manager.State().SessionID)
		})
	}
}

func TestStack_ActionIsConfirmedAndBroadcast(t *testing.T) {
	for _, kind := range transports {
		t.Run(kind, func(t *testing.T) {
			a := NewAuthority(t)
			s1 := NewSession(t, a.ClientConfig(kind), nil)
			cfg2 := a.ClientConfig(kind)
			cfg2.Overlay.PlayerID = "p2"
			s2 := NewSession(t, cfg2, nil)
			require.Eventually(t, synced(s1, 1), waitFor, tick)
			require.Eventually(t, synced(s2, 1), waitFor, tick)

			require.True(t, s1.Engine.SendAction(protocol.Action{PlayerID: "p1", Type: protocol.ActionBet, Amount: 20}))

			// Confirmation arrives as a batch: action, player, pot.
			require.Eventually(t, func() bool {
				return len(s1.Engine.Pending()) == 0 && s1.Engine.Snapshot().Pot == 20
			}, waitFor, tick)
			require.Eventually(t, func() bool { return s2.Engine.Snapshot().Pot == 20 }, waitFor, tick)

			snap := s2.Engine.Snapshot()
			assert.Equal(t, int64(480), snap.Players["p1"].Chips)
			assert.Equal(t, int64(20), snap.Players["p1"].Bet)
			require.NotEmpty(t, snap.Actions)
			last := snap.Actions[len(snap.Actions)-1]
			assert.Equal(t, protocol.ActionBet, last.Type)
			assert.False(t, last.Pending)

			p1, ok := a.Table().Player("p1")
			require.True(t, ok)
			assert.Equal(t, int64(480), p1.Chips)
		})
	}
}

func TestStack_RejectedActionIsCompensated(t *testing.T) {
	a := NewAuthority(t)
	s := NewSession(t, a.ClientConfig(config.TransportWebSocket), nil)
	require.Eventually(t, synced(s, 1), waitFor, tick)

	var mu sync.Mutex
	var rejected []statesync.Notification
	off := s.Engine.Subscribe(statesync.TopicAction, func(n statesync.Notification) {
		if n.Rejected {
			mu.Lock()
			rejected = append(rejected, n)
			mu.Unlock()
		}
	})
	defer off()

	require.True(t, s.Engine.SendAction(protocol.Action{PlayerID: "p1", Type: protocol.ActionRaise, Amount: 10_000}))
	assert.Len(t, s.Engine.Pending(), 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rejected) == 1
	}, waitFor, tick)
	assert.Empty(t, s.Engine.Pending())
	assert.Empty(t, s.Engine.Snapshot().Actions)
	mu.Lock()
	assert.Contains(t, rejected[0].Reason, "insufficient chips")
	mu.Unlock()
}

func TestStack_CatchesUpAfterKickAndRetry(t *testing.T) {
	for _, kind := range transports {
		t.Run(kind, func(t *testing.T) {
			a := NewAuthority(t)
			s := NewSession(t, a.ClientConfig(kind), nil)
			require.Eventually(t, synced(s, 1), waitFor, tick)

			require.Equal(t, 1, a.Hub.Kick())
			require.Eventually(t, func() bool {
				return s.Manager.State().Phase == resilience.PhaseDisconnected
			}, waitFor, tick)
			assert.Equal(t, 0, s.Manager.State().ReconnectAttempts, "a server kick is deliberate")

			// The table moves on while the client is away.
			require.NoError(t, a.Hub.Commit(&protocol.PotUpdate{Pot: 75}))
			require.NoError(t, a.Hub.Commit(&protocol.CardUpdate{Cards: []string{"Ah", "Kd", "7c"}}))

			s.Manager.Retry()
			require.Eventually(t, synced(s, 3), waitFor, tick)
			snap := s.Engine.Snapshot()
			assert.Equal(t, int64(75), snap.Pot)
			assert.Equal(t, []string{"Ah", "Kd", "7c"}, snap.CommunityCards)
		})
	}
}

func TestStack_BadTokenIsCritical(t *testing.T) {
	for _, kind := range transports {
		t.Run(kind, func(t *testing.T) {
			a := NewAuthority(t, WithToken("right"))
			cfg := a.ClientConfig(kind)
			cfg.Transport.Token = "wrong"
			s := NewSession(t, cfg, nil)

			require.Eventually(t, func() bool {
				st := s.Manager.State()
				return st.LastError != nil && st.LastError.Kind == resilience.KindCritical
			}, waitFor, tick)
			assert.Equal(t, resilience.PhaseErrored, s.Manager.State().Phase)
			assert.Equal(t, "", s.Credentials.Token())
			assert.Equal(t, 1, s.Credentials.Invalidations())

			out := &strings.Builder{}
			loop := console.NewLoop(s.Engine, s.Manager, s.Credentials, "p1", strings.NewReader(""), out, nil)
			loop.Execute(t.Context(), "token right")

			require.Eventually(t, synced(s, 1), waitFor, tick)
			assert.Equal(t, "right", s.Credentials.Token())
			assert.Contains(t, out.String(), "token updated, reconnecting")
		})
	}
}

func TestStack_HealthCheckRoundTrip(t *testing.T) {
	a := NewAuthority(t)
	s := NewSession(t, a.ClientConfig(config.TransportGRPC), nil)
	require.Eventually(t, synced(s, 1), waitFor, tick)

	ctx := t.Context()
	rtt, err := s.Manager.HealthCheck(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}
