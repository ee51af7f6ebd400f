// Package config provides Viper-based configuration loading for the overlay
// client and the development authority.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Output is "stderr", "stdout", or a file path. The console overlay owns
	// stdout, so it logs elsewhere.
	Output string `mapstructure:"output"`
}

// TransportConfig selects and configures the channel to the authority.
type TransportConfig struct {
	// Kind is "websocket" or "grpc".
	Kind string `mapstructure:"kind"`
	// URL is the ws:// or wss:// endpoint used when Kind is "websocket".
	URL string `mapstructure:"url"`
	// GRPCAddr is the "host:port" target used when Kind is "grpc".
	GRPCAddr string `mapstructure:"grpc_addr"`
	// Token is the bearer token presented on every dial. Empty dials anonymously.
	Token        string        `mapstructure:"token"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BufferSize is the inbound frame size limit in bytes.
	BufferSize int64 `mapstructure:"buffer_size"`
}

// Host returns the "host:port" the transport dials.
//
// Postcondition: Returns "" when the configured endpoint cannot be parsed.
func (t TransportConfig) Host() string {
	if t.Kind == TransportGRPC {
		return t.GRPCAddr
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "wss" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

// ReconnectConfig holds the exponential backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// Jitter spreads each delay by ±Jitter×delay, in [0, 1).
	Jitter float64 `mapstructure:"jitter"`
}

// HeartbeatConfig holds liveness settings.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds state synchronization settings.
type SyncConfig struct {
	ResyncInterval    time.Duration `mapstructure:"resync_interval"`
	PendingTimeout    time.Duration `mapstructure:"pending_timeout"`
	ActionLogSize     int           `mapstructure:"action_log_size"`
	MaxCommunityCards int           `mapstructure:"max_community_cards"`
	ReorderWindow     int           `mapstructure:"reorder_window"`
}

// ReachabilityConfig configures the network probe consulted before each
// reconnection attempt.
type ReachabilityConfig struct {
	// Addr is the "host:port" probed. Empty probes the transport endpoint.
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Disabled skips probing entirely.
	Disabled bool `mapstructure:"disabled"`
}

// OverlayConfig holds settings for the console overlay.
type OverlayConfig struct {
	// PlayerID is the seat the console acts for.
	PlayerID string `mapstructure:"player_id"`
}

// DevServerConfig holds development authority settings.
type DevServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	// Token, when set, is required of every client.
	Token string `mapstructure:"token"`
	// Scenario is an optional YAML script played after startup.
	Scenario string `mapstructure:"scenario"`

	JournalSize  int           `mapstructure:"journal_size"`
	OutboxSize   int           `mapstructure:"outbox_size"`
	ActionLimit  int           `mapstructure:"action_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Reconnect    ReconnectConfig    `mapstructure:"reconnect"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Overlay      OverlayConfig      `mapstructure:"overlay"`
	DevServer    DevServerConfig    `mapstructure:"devserver"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []func() error{
		func() error { return validateLogging(c.Logging) },
		func() error { return validateTransport(c.Transport) },
		func() error { return validateReconnect(c.Reconnect) },
		func() error { return validateHeartbeat(c.Heartbeat) },
		func() error { return validateSync(c.Sync) },
		func() error { return validateReachability(c.Reachability) },
		func() error { return validateDevServer(c.DevServer) },
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.Output == "" {
		return errors.New("logging.output must not be empty")
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	switch t.Kind {
	case TransportWebSocket:
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("transport.url must be a ws:// or wss:// URL, got %q", t.URL))
		}
	case TransportGRPC:
		if t.GRPCAddr == "" {
			errs = append(errs, "transport.grpc_addr must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.kind must be one of [websocket, grpc], got %q", t.Kind))
	}
	if t.DialTimeout <= 0 {
		errs = append(errs, "transport.dial_timeout must be positive")
	}
	if t.WriteTimeout <= 0 {
		errs = append(errs, "transport.write_timeout must be positive")
	}
	if t.BufferSize < 1024 {
		errs = append(errs, fmt.Sprintf("transport.buffer_size must be >= 1024, got %d", t.BufferSize))
	}
	return joined(errs)
}

func validateReconnect(r ReconnectConfig) error {
	var errs []string
	if r.BaseDelay <= 0 {
		errs = append(errs, "reconnect.base_delay must be positive")
	}
	if r.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("reconnect.multiplier must be >= 1, got %g", r.Multiplier))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, "reconnect.max_delay must not be less than reconnect.base_delay")
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("reconnect.max_attempts must be >= 1, got %d", r.MaxAttempts))
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, fmt.Sprintf("reconnect.jitter must be in [0, 1), got %g", r.Jitter))
	}
	return joined(errs)
}

func validateHeartbeat(h HeartbeatConfig) error {
	var errs []string
	if h.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if h.Timeout <= 0 {
		errs = append(errs, "heartbeat.timeout must be positive")
	}
	if h.Timeout >= h.Interval && h.Interval > 0 {
		errs = append(errs, "heartbeat.timeout must be shorter than heartbeat.interval")
	}
	return joined(errs)
}

func validateSync(s SyncConfig) error {
	var errs []string
	if s.ResyncInterval <= 0 {
		errs = append(errs, "sync.resync_interval must be positive")
	}
	if s.PendingTimeout <= 0 {
		errs = append(errs, "sync.pending_timeout must be positive")
	}
	if s.ActionLogSize < 1 {
		errs = append(errs, fmt.Sprintf("sync.action_log_size must be >= 1, got %d", s.ActionLogSize))
	}
	if s.MaxCommunityCards < 1 {
		errs = append(errs, fmt.Sprintf("sync.max_community_cards must be >= 1, got %d", s.MaxCommunityCards))
	}
	if s.ReorderWindow < 2 {
		errs = append(errs, fmt.Sprintf("sync.reorder_window must be >= 2, got %d", s.ReorderWindow))
	}
	return joined(errs)
}

func validateReachability(r ReachabilityConfig) error {
	if r.Disabled {
		return nil
	}
	if r.Timeout <= 0 {
		return errors.New("reachability.timeout must be positive")
	}
	return nil
}

func validateDevServer(d DevServerConfig) error {
	var errs []string
	if d.HTTPAddr == "" && d.GRPCAddr == "" {
		errs = append(errs, "devserver needs at least one of http_addr and grpc_addr")
	}
	if d.JournalSize < 1 {
		errs = append(errs, fmt.Sprintf("devserver.journal_size must be >= 1, got %d", d.JournalSize))
	}
	if d.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("devserver.outbox_size must be >= 1, got %d", d.OutboxSize))
	}
	if d.ActionLimit < 1 {
		errs = append(errs, fmt.Sprintf("devserver.action_limit must be >= 1, got %d", d.ActionLimit))
	}
	if d.WriteTimeout <= 0 {
		errs = append(errs, "devserver.write_timeout must be positive")
	}
	return joined(errs)
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with TABLESYNC_ prefix
	v.SetEnvPrefix("TABLESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a viper instance holding only the default settings.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("transport.kind", TransportWebSocket)
	v.SetDefault("transport.url", "ws://127.0.0.1:7350/session")
	v.SetDefault("transport.grpc_addr", "127.0.0.1:7351")
	v.SetDefault("transport.token", "")
	v.SetDefault("transport.dial_timeout", "10s")
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.buffer_size", 1<<20)

	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.jitter", 0.0)

	v.SetDefault("heartbeat.interval", "25s")
	v.SetDefault("heartbeat.timeout", "10s")

	v.SetDefault("sync.resync_interval", "30s")
	v.SetDefault("sync.pending_timeout", "10s")
	v.SetDefault("sync.action_log_size", 50)
	v.SetDefault("sync.max_community_cards", 5)
	v.SetDefault("sync.reorder_window", 64)

	v.SetDefault("reachability.addr", "")
	v.SetDefault("reachability.timeout", "2s")
	v.SetDefault("reachability.disabled", false)

	v.SetDefault("overlay.player_id", "")

	v.SetDefault("devserver.http_addr", "127.0.0.1:7350")
	v.SetDefault("devserver.grpc_addr", "127.0.0.1:7351")
	v.SetDefault("devserver.token", "")
	v.SetDefault("devserver.scenario", "")
	v.SetDefault("devserver.journal_size", 256)
	v.SetDefault("devserver.outbox_size", 256)
	v.SetDefault("devserver.action_limit", 50)
	v.SetDefault("devserver.write_timeout", "5s")
}
