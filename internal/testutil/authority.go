// Package testutil provides test helpers: an in-process table authority
// served over WebSocket and gRPC, and overlay clients wired against it.
package testutil

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/tablesync/internal/authority"
	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// Authority is a running development authority.
type Authority struct {
	Hub   *authority.Hub
	Token string
	// WSURL is the ws:// endpoint of the WebSocket server.
	WSURL string
	// GRPCAddr is the loopback address of the gRPC server.
	GRPCAddr string

	httpSrv *httptest.Server
}

// AuthorityOption customizes NewAuthority.
type AuthorityOption func(*authorityConfig)

type authorityConfig struct {
	token   string
	players []protocol.Player
	logger  *zap.Logger
}

// WithToken requires clients to present token.
func WithToken(token string) AuthorityOption {
	return func(c *authorityConfig) { c.token = token }
}

// WithPlayers seats players before any client connects.
func WithPlayers(players ...protocol.Player) AuthorityOption {
	return func(c *authorityConfig) { c.players = players }
}

// WithLogger overrides the test logger.
func WithLogger(logger *zap.Logger) AuthorityOption {
	return func(c *authorityConfig) { c.logger = logger }
}

// HeadsUp returns two seated players with 500 chips each.
func HeadsUp() []protocol.Player {
	return []protocol.Player{
		{ID: "p1", Name: "Ada", Seat: 1, Chips: 500, Status: protocol.StatusActive, Version: 1},
		{ID: "p2", Name: "Bo", Seat: 2, Chips: 500, Status: protocol.StatusActive, Version: 1},
	}
}

// NewAuthority starts an authority listening on loopback for both transports.
// Both servers are shut down when the test ends.
//
// Postcondition: Returns a running Authority or fails the test.
func NewAuthority(t *testing.T, opts ...AuthorityOption) *Authority {
	t.Helper()
	start := time.Now()

	cfg := authorityConfig{players: HeadsUp()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zaptest.NewLogger(t).Named("authority")
	}

	table := authority.NewTable(0, 0)
	if len(cfg.players) > 0 {
		err := table.Commit(&protocol.GameStateUpdate{Phase: protocol.PhasePreflop, Players: cfg.players})
		if err != nil {
			t.Fatalf("seating players: %v", err)
		}
	}
	hub := authority.NewHub(table, authority.Options{Token: cfg.token}, cfg.logger)

	httpSrv := httptest.NewServer(hub)
	t.Cleanup(httpSrv.Close)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for gRPC: %v", err)
	}
	grpcSrv := grpc.NewServer()
	authority.RegisterTableServer(grpcSrv, hub)
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(grpcSrv.Stop)

	a := &Authority{
		Hub:      hub,
		Token:    cfg.token,
		WSURL:    "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
		GRPCAddr: lis.Addr().String(),
		httpSrv:  httpSrv,
	}
	t.Logf("authority listening ws=%s grpc=%s [%s]", a.WSURL, a.GRPCAddr, time.Since(start))
	return a
}

// Table returns the authority's table.
func (a *Authority) Table() *authority.Table { return a.Hub.Table() }

// HTTPAddr returns the "host:port" of the WebSocket server.
func (a *Authority) HTTPAddr() string { return a.httpSrv.Listener.Addr().String() }
