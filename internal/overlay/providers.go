// Package overlay assembles the client stack: credentials, the channel chosen
// by configuration, the connection manager, the sync engine and the console.
// The constructors here are the providers for the cmd/overlay injector.
package overlay

import (
	"fmt"
	"io"

	"github.com/google/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/channel/grpcchannel"
	"github.com/cory-johannsen/tablesync/internal/channel/wschannel"
	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/console"
	"github.com/cory-johannsen/tablesync/internal/credentials"
	"github.com/cory-johannsen/tablesync/internal/observability"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/statesync"
)

// SessionSet provides everything up to a Session.
var SessionSet = wire.NewSet(
	ProvideCredentials,
	ProvideChannel,
	ProvideProber,
	ProvideManagerOptions,
	ProvideManager,
	ProvideEngineOptions,
	ProvideEngine,
	NewSession,
)

// ProviderSet provides a complete App from a Config and a Terminal.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	SessionSet,
	ProvideConsole,
	NewApp,
)

// Terminal is the console's input and output.
type Terminal struct {
	In  io.Reader
	Out io.Writer
}

// ProvideLogger builds the process logger. The cleanup flushes it.
func ProvideLogger(cfg config.Config) (*zap.Logger, func(), error) {
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideCredentials seeds the token store from configuration.
func ProvideCredentials(cfg config.Config, logger *zap.Logger) *credentials.Store {
	return credentials.NewStore(cfg.Transport.Token, logger.Named("credentials"))
}

// ProvideChannel builds the channel selected by transport.kind.
//
// Postcondition: The cleanup releases the underlying client connection.
func ProvideChannel(cfg config.Config, creds *credentials.Store, logger *zap.Logger) (channel.Channel, func(), error) {
	t := cfg.Transport
	switch t.Kind {
	case config.TransportWebSocket:
		ch := wschannel.New(wschannel.Config{
			URL:          t.URL,
			DialTimeout:  t.DialTimeout,
			WriteTimeout: t.WriteTimeout,
			ReadLimit:    t.BufferSize,
		}, creds, logger.Named("wschannel"))
		return ch, ch.Disconnect, nil
	case config.TransportGRPC:
		cc, err := grpc.NewClient(t.GRPCAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(int(t.BufferSize))),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gRPC client for %s: %w", t.GRPCAddr, err)
		}
		ch := grpcchannel.New(cc, grpcchannel.Config{DialTimeout: t.DialTimeout}, creds, logger.Named("grpcchannel"))
		cleanup := func() {
			ch.Disconnect()
			_ = cc.Close()
		}
		return ch, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}

// ProvideProber returns the reachability probe, or nil when probing is disabled.
func ProvideProber(cfg config.Config) resilience.Prober {
	r := cfg.Reachability
	if r.Disabled {
		return nil
	}
	addr := r.Addr
	if addr == "" {
		addr = cfg.Transport.Host()
	}
	if addr == "" {
		return nil
	}
	return resilience.TCPProber{Addr: addr, Timeout: r.Timeout}
}

// ProvideManagerOptions maps configuration onto the reconnection and heartbeat policy.
func ProvideManagerOptions(cfg config.Config, creds *credentials.Store, prober resilience.Prober) resilience.Options {
	return resilience.Options{
		Backoff: resilience.Backoff{
			BaseDelay:  cfg.Reconnect.BaseDelay,
			Multiplier: cfg.Reconnect.Multiplier,
			MaxDelay:   cfg.Reconnect.MaxDelay,
			Jitter:     cfg.Reconnect.Jitter,
		},
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		HeartbeatInterval:    cfg.Heartbeat.Interval,
		HeartbeatTimeout:     cfg.Heartbeat.Timeout,
		Prober:               prober,
		ProbeTimeout:         cfg.Reachability.Timeout,
		Credentials:          creds,
	}
}

// ProvideManager creates the connection manager. The cleanup closes it.
func ProvideManager(opts resilience.Options, logger *zap.Logger) (*resilience.Manager, func()) {
	m := resilience.NewManager(opts, logger.Named("resilience"))
	return m, m.Close
}

// ProvideEngineOptions maps configuration onto the sync engine settings.
func ProvideEngineOptions(cfg config.Config) statesync.Options {
	return statesync.Options{
		ActionLogSize:     cfg.Sync.ActionLogSize,
		MaxCommunityCards: cfg.Sync.MaxCommunityCards,
		PendingTimeout:    cfg.Sync.PendingTimeout,
		ResyncInterval:    cfg.Sync.ResyncInterval,
		ReorderWindow:     cfg.Sync.ReorderWindow,
	}
}

// ProvideEngine creates the sync engine on top of m. The cleanup closes it.
func ProvideEngine(m *resilience.Manager, opts statesync.Options, logger *zap.Logger) (*statesync.Engine, func()) {
	e := statesync.NewEngine(m, opts, observability.Component(logger, "statesync", m.State().SessionID))
	return e, e.Close
}

// ProvideConsole creates the console acting for overlay.player_id.
func ProvideConsole(cfg config.Config, e *statesync.Engine, m *resilience.Manager, creds *credentials.Store, term Terminal, logger *zap.Logger) (*console.Loop, error) {
	if cfg.Overlay.PlayerID == "" {
		return nil, fmt.Errorf("overlay.player_id must be set")
	}
	return console.NewLoop(e, m, creds, cfg.Overlay.PlayerID, term.In, term.Out, observability.Component(logger, "console", m.State().SessionID)), nil
}
