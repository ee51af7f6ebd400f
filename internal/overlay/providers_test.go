package overlay_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/tablesync/internal/channel/channeltest"
	"github.com/cory-johannsen/tablesync/internal/channel/grpcchannel"
	"github.com/cory-johannsen/tablesync/internal/channel/wschannel"
	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/overlay"
	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/testutil"
)

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFromViper(config.Defaults())
	require.NoError(t, err)
	return cfg
}

func TestProvideChannel_SelectsTransport(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := baseConfig(t)
	creds := overlay.ProvideCredentials(cfg, logger)

	ch, cleanup, err := overlay.ProvideChannel(cfg, creds, logger)
	require.NoError(t, err)
	assert.IsType(t, &wschannel.Channel{}, ch)
	cleanup()

	cfg.Transport.Kind = config.TransportGRPC
	ch, cleanup, err = overlay.ProvideChannel(cfg, creds, logger)
	require.NoError(t, err)
	assert.IsType(t, &grpcchannel.Channel{}, ch)
	cleanup()

	cfg.Transport.Kind = "pigeon"
	_, _, err = overlay.ProvideChannel(cfg, creds, logger)
	assert.Error(t, err)
}

func TestProvideProber(t *testing.T) {
	cfg := baseConfig(t)
	p := overlay.ProvideProber(cfg)
	require.NotNil(t, p)
	assert.Equal(t, resilience.TCPProber{Addr: "127.0.0.1:7350", Timeout: 2 * time.Second}, p)

	cfg.Reachability.Addr = "10.1.1.1:53"
	assert.Equal(t, "10.1.1.1:53", overlay.ProvideProber(cfg).(resilience.TCPProber).Addr)

	cfg.Reachability.Disabled = true
	assert.Nil(t, overlay.ProvideProber(cfg))
}

func TestProvideOptionsMapConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Reconnect.BaseDelay = 250 * time.Millisecond
	cfg.Reconnect.Jitter = 0.3
	cfg.Sync.ReorderWindow = 12
	creds := overlay.ProvideCredentials(cfg, zaptest.NewLogger(t))

	mo := overlay.ProvideManagerOptions(cfg, creds, nil)
	assert.Equal(t, 250*time.Millisecond, mo.Backoff.BaseDelay)
	assert.InDelta(t, 0.3, mo.Backoff.Jitter, 1e-9)
	assert.Equal(t, cfg.Reconnect.MaxAttempts, mo.MaxReconnectAttempts)
	assert.Equal(t, cfg.Heartbeat.Interval, mo.HeartbeatInterval)
	assert.Same(t, creds, mo.Credentials)

	eo := overlay.ProvideEngineOptions(cfg)
	assert.Equal(t, 12, eo.ReorderWindow)
	assert.Equal(t, cfg.Sync.PendingTimeout, eo.PendingTimeout)
}

func TestProvideEngine_TagsLogsWithSession(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	cfg := baseConfig(t)
	creds := overlay.ProvideCredentials(cfg, logger)
	m, closeManager := overlay.ProvideManager(overlay.ProvideManagerOptions(cfg, creds, nil), logger)
	defer closeManager()
	_, closeEngine := overlay.ProvideEngine(m, overlay.ProvideEngineOptions(cfg), logger)
	defer closeEngine()

	ch := channeltest.New()
	m.Attach(ch)
	ch.FireConnect()
	require.NoError(t, ch.Deliver(protocol.TopicPotUpdate, map[string]any{"updateId": 1, "pot": "lots"}))

	entries := logs.FilterMessage("dropping malformed update").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "statesync", entries[0].LoggerName)
	assert.Equal(t, m.State().SessionID, entries[0].ContextMap()["session_id"])
}

func TestProvideConsole_RequiresPlayer(t *testing.T) {
	cfg := baseConfig(t)
	_, err := overlay.ProvideConsole(cfg, nil, nil, nil, overlay.Terminal{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "overlay.player_id")
}

func TestApp_RunsUntilConsoleQuits(t *testing.T) {
	a := testutil.NewAuthority(t)
	cfg := a.ClientConfig(config.TransportWebSocket)
	logger := zaptest.NewLogger(t)
	s := testutil.NewSession(t, cfg, logger)
	require.Eventually(t, func() bool { return s.Engine.Snapshot().LastUpdateID >= 1 }, 5*time.Second, 10*time.Millisecond)

	out := &syncBuffer{}
	loop, err := overlay.ProvideConsole(cfg, s.Engine, s.Manager, s.Credentials, overlay.Terminal{In: strings.NewReader("state\nquit\n"), Out: out}, logger)
	require.NoError(t, err)
	app := overlay.NewApp(s, loop, logger)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after quit")
	}

	assert.Contains(t, out.String(), "Phase: preflop")
	assert.Equal(t, resilience.PhaseIdle, s.Manager.State().Phase, "stopping the session disconnects it")
}
