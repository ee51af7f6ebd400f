package resilience

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Prober checks whether the network path to the authority is usable before a
// reconnection attempt is spent on it.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// TCPProber reports the network reachable when a TCP connection to Addr
// can be opened within Timeout.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe dials Addr and closes the connection immediately.
func (p TCPProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.Addr, err)
	}
	return conn.Close()
}
