// Package resilience keeps one logical session alive over an unreliable
// channel: reconnection with capped exponential backoff, heartbeat liveness,
// and classification of connection errors into transient and critical.
package resilience

import (
	"time"
)

// Phase is the session lifecycle phase.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseDisconnected   Phase = "disconnected"
	PhaseErrored        Phase = "errored"
	PhaseRetryExhausted Phase = "retryExhausted"
)

// ErrorKind classifies session errors.
type ErrorKind string

const (
	// KindTransient covers network failures recovered by reconnecting.
	KindTransient ErrorKind = "transient"
	// KindCritical covers authentication and authorization failures.
	KindCritical ErrorKind = "critical"
	// KindProtocol covers malformed or unexpected messages.
	KindProtocol ErrorKind = "protocol"
	// KindExhausted reports that automatic reconnection has stopped.
	KindExhausted ErrorKind = "exhausted"
)

// SessionError is the most recent error recorded on the session.
type SessionError struct {
	Kind    ErrorKind
	Message string
	At      time.Time
}

// Error implements error.
func (e *SessionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// SessionState is an immutable snapshot of the session.
type SessionState struct {
	SessionID         string
	Phase             Phase
	Connected         bool
	Connecting        bool
	ReconnectAttempts int
	LastError         *SessionError
	LastConnectedAt   time.Time
	LastHeartbeatRTT  time.Duration
	DisconnectReason  string
}

func (s SessionState) clone() SessionState {
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	return s
}

// EventKind names a manager event.
type EventKind string

const (
	EventConnectionStateChange EventKind = "connectionStateChange"
	EventError                 EventKind = "error"
	EventReconnect             EventKind = "reconnect"
	EventReconnectScheduled    EventKind = "reconnectScheduled"
	EventReconnectAttempt      EventKind = "reconnectAttempt"
	EventReconnectFailed       EventKind = "reconnectFailed"
	EventAuthRequired          EventKind = "authRequired"
)

// Event is delivered to manager listeners. State is the session snapshot at
// the moment the event was raised.
type Event struct {
	Kind    EventKind
	State   SessionState
	Err     *SessionError
	Attempt int
	// Delay is the backoff before the next attempt, set on reconnectScheduled.
	Delay time.Duration
}
