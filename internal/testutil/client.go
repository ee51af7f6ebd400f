package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/overlay"
)

// ClientConfig returns an overlay configuration pointed at a for the given
// transport kind, with timings short enough for tests.
func (a *Authority) ClientConfig(kind string) config.Config {
	return config.Config{
		Logging: config.LoggingConfig{Level: "debug", Format: "console", Output: "stderr"},
		Transport: config.TransportConfig{
			Kind:         kind,
			URL:          a.WSURL,
			GRPCAddr:     a.GRPCAddr,
			Token:        a.Token,
			DialTimeout:  3 * time.Second,
			WriteTimeout: time.Second,
			BufferSize:   1 << 20,
		},
		Reconnect: config.ReconnectConfig{
			BaseDelay:   20 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    200 * time.Millisecond,
			MaxAttempts: 5,
		},
		Heartbeat: config.HeartbeatConfig{Interval: time.Hour, Timeout: time.Minute},
		Sync: config.SyncConfig{
			ResyncInterval:    time.Hour,
			PendingTimeout:    5 * time.Second,
			ActionLogSize:     50,
			MaxCommunityCards: 5,
			ReorderWindow:     64,
		},
		Reachability: config.ReachabilityConfig{Disabled: true},
		Overlay:      config.OverlayConfig{PlayerID: "p1"},
	}
}

// NewSession builds an overlay session from cfg with the same providers the
// overlay binary uses, connects it, and tears it down when the test ends.
//
// Postcondition: Returns a connecting Session or fails the test.
func NewSession(t *testing.T, cfg config.Config, logger *zap.Logger) *overlay.Session {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t).Named("client")
	}

	creds := overlay.ProvideCredentials(cfg, logger)
	ch, closeChannel, err := overlay.ProvideChannel(cfg, creds, logger)
	if err != nil {
		t.Fatalf("building channel: %v", err)
	}
	prober := overlay.ProvideProber(cfg)
	m, closeManager := overlay.ProvideManager(overlay.ProvideManagerOptions(cfg, creds, prober), logger)
	e, closeEngine := overlay.ProvideEngine(m, overlay.ProvideEngineOptions(cfg), logger)
	t.Cleanup(func() {
		closeEngine()
		closeManager()
		closeChannel()
	})

	s := overlay.NewSession(ch, m, e, creds)
	s.Connect()
	return s
}
