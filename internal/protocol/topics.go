// Package protocol defines the message contract shared by the overlay client
// and the table authority: topic names, the JSON envelope, and the update payloads.
package protocol

// Inbound update topics pushed by the authority.
const (
	TopicGameStateUpdate    = "gameStateUpdate"
	TopicPlayerUpdate       = "playerUpdate"
	TopicActionUpdate       = "actionUpdate"
	TopicPotUpdate          = "potUpdate"
	TopicPhaseUpdate        = "phaseUpdate"
	TopicCardUpdate         = "cardUpdate"
	TopicBatchUpdate        = "batchUpdate"
	TopicConflictResolution = "conflictResolution"
	TopicActionRejected     = "actionRejected"
)

// Liveness and handshake topics.
const (
	TopicWelcome        = "welcome"
	TopicHeartbeat      = "heartbeat"
	TopicHeartbeatAck   = "heartbeatAck"
	TopicHealthCheck    = "healthCheck"
	TopicHealthCheckAck = "healthCheckAck"
)

// Outbound topics emitted by the client.
const (
	TopicGameAction                = "gameAction"
	TopicRequestUpdates            = "requestUpdates"
	TopicRequestFullState          = "requestFullState"
	TopicRequestStateSync          = "requestStateSync"
	TopicRequestConflictResolution = "requestConflictResolution"
)

// UpdateTopics lists every topic that carries a replica update.
var UpdateTopics = []string{
	TopicGameStateUpdate,
	TopicPlayerUpdate,
	TopicActionUpdate,
	TopicPotUpdate,
	TopicPhaseUpdate,
	TopicCardUpdate,
	TopicBatchUpdate,
	TopicConflictResolution,
	TopicActionRejected,
}

// IsUpdateTopic reports whether topic carries a replica update.
func IsUpdateTopic(topic string) bool {
	for _, t := range UpdateTopics {
		if t == topic {
			return true
		}
	}
	return false
}
