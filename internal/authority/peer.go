package authority

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// Peer is one connected client. Outbound frames queue in a bounded outbox
// drained by the connection's writer goroutine.
type Peer struct {
	id     string
	outbox chan []byte
	mu     sync.Mutex
	closed bool
	kicked bool
}

// NewPeer creates a Peer with an open outbox.
//
// Precondition: id must be non-empty.
// Postcondition: bufferSize values below 1 fall back to 64.
func NewPeer(id string, bufferSize int) *Peer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Peer{
		id:     id,
		outbox: make(chan []byte, bufferSize),
	}
}

// ID returns the peer identifier.
func (p *Peer) ID() string {
	return p.id
}

// Send encodes payload for topic and queues it.
//
// Postcondition: The frame is queued, or an error is returned if the peer is closed or its outbox is full.
func (p *Peer) Send(topic string, payload any) error {
	data, err := protocol.Encode(topic, payload)
	if err != nil {
		return err
	}
	return p.Push(data)
}

// Push queues an encoded frame without blocking.
func (p *Peer) Push(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer %s is closed", p.id)
	}
	select {
	case p.outbox <- data:
		return nil
	default:
		return fmt.Errorf("peer %s outbox full", p.id)
	}
}

// Outbox returns the read side of the outbox. It is closed by Close and Kick.
func (p *Peer) Outbox() <-chan []byte {
	return p.outbox
}

// Close closes the outbox. Further sends fail.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.outbox)
	}
}

// Kick closes the outbox and marks the peer for a server-side disconnect.
func (p *Peer) Kick() {
	p.mu.Lock()
	p.kicked = true
	p.mu.Unlock()
	p.Close()
}

// Kicked reports whether the server dropped the peer.
func (p *Peer) Kicked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicked
}

// IsClosed reports whether the outbox is closed.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
