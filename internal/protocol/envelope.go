package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors
var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownTopic = errors.New("unknown topic")
)

// Envelope is the unit carried by every transport: a topic name and its JSON payload.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for topic.
// A nil payload produces an envelope without a payload field.
func NewEnvelope(topic string, payload any) (Envelope, error) {
	if topic == "" {
		return Envelope{}, fmt.Errorf("%w: empty topic", ErrMalformed)
	}
	env := Envelope{Topic: topic}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	env.Payload = data
	return env, nil
}

// Encode marshals payload for topic into wire bytes.
func Encode(topic string, payload any) ([]byte, error) {
	env, err := NewEnvelope(topic, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses wire bytes into an envelope.
//
// Postcondition: Returns an envelope with a non-empty topic, or an error wrapping ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("%w: envelope has no topic", ErrMalformed)
	}
	return env, nil
}

// Unmarshal decodes an envelope payload into v, wrapping failures in ErrMalformed.
func Unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
