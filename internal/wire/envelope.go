// Package wire defines the JSON envelope exchanged between sync clients and
// the relay server.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeJoinSession   MessageType = "join_session"
	TypeLeaveSession  MessageType = "leave_session"
	TypePaceUpdate    MessageType = "pace_update"
	TypePeerUpdate    MessageType = "peer_update"
	TypeSessionStatus MessageType = "session_status"
	TypeError         MessageType = "error"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrEmptyPayload = errors.New("message payload missing")
)

// Valid reports whether t is one of the protocol message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoinSession, TypeLeaveSession, TypePaceUpdate, TypePeerUpdate,
		TypeSessionStatus, TypeError, TypePing, TypePong:
		return true
	}
	return false
}

// Envelope is the frame carried over the socket.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an envelope around payload. A nil payload produces an empty one.
func New(t MessageType, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: at.UTC()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// NewError builds an Error envelope carrying a free-text message.
func NewError(msg string, at time.Time) Envelope {
	env, _ := New(TypeError, msg, at)
	return env
}

// Encode serializes an envelope for the socket.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return json.Marshal(env)
}

// Decode parses a frame and rejects unknown message types.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// DecodePayload unmarshals the payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorText returns the message carried by an Error envelope.
func (e Envelope) ErrorText() (string, error) {
	var msg string
	if err := e.DecodePayload(&msg); err != nil {
		return "", err
	}
	return msg, nil
}
