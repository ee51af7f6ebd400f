package resilience

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/timer"
)

// startHeartbeatLocked arms the first probe of a new connection.
//
// Precondition: m.mu is held.
func (m *Manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	gen := m.hbGen
	m.hbTimer = m.opts.Scheduler.AfterFunc(m.opts.HeartbeatInterval, func() { m.sendHeartbeat(gen) })
}

// stopHeartbeatLocked cancels the pending probe and deadline.
//
// Precondition: m.mu is held.
func (m *Manager) stopHeartbeatLocked() {
	m.hbGen++
	timer.Stop(m.hbTimer)
	timer.Stop(m.hbDeadline)
	m.hbTimer, m.hbDeadline = nil, nil
}

func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.hbGen || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	m.hbTimer = nil
	m.hbSeq++
	probe := protocol.Heartbeat{Seq: m.hbSeq, SentAt: m.opts.Now()}
	m.hbSentAt = probe.SentAt
	m.hbDeadline = m.opts.Scheduler.AfterFunc(m.opts.HeartbeatTimeout, func() { m.heartbeatExpired(gen, probe.Seq) })
	ch := m.ch
	m.mu.Unlock()

	if err := ch.Emit(protocol.TopicHeartbeat, probe); err != nil {
		m.logger.Debug("heartbeat probe not sent", zap.Int64("seq", probe.Seq), zap.Error(err))
	}
}

func (m *Manager) handleHeartbeatAck(data json.RawMessage) {
	var ack protocol.Heartbeat
	if err := protocol.Unmarshal(data, &ack); err != nil {
		m.logger.Warn("malformed heartbeat ack", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseConnected || m.hbDeadline == nil || ack.Seq != m.hbSeq {
		return
	}
	timer.Stop(m.hbDeadline)
	m.hbDeadline = nil
	m.state.LastHeartbeatRTT = m.opts.Now().Sub(m.hbSentAt)
	gen := m.hbGen
	m.hbTimer = m.opts.Scheduler.AfterFunc(m.opts.HeartbeatInterval, func() { m.sendHeartbeat(gen) })
}

// heartbeatExpired treats a missed acknowledgment as a lost connection and
// drops the dead transport.
func (m *Manager) heartbeatExpired(gen uint64, seq int64) {
	var fx effects
	m.mu.Lock()
	if m.closed || gen != m.hbGen || seq != m.hbSeq || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	m.hbDeadline = nil
	m.logger.Warn("heartbeat timed out", zap.Int64("seq", seq), zap.Duration("timeout", m.opts.HeartbeatTimeout))
	m.disconnectedLocked(&fx, channel.ReasonPingTimeout)
	ch := m.ch
	fx.add(ch.Disconnect)
	m.mu.Unlock()
	fx.run()
}
