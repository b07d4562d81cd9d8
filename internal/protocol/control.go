package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType tags a text control message on the session channel.
type MessageType string

const (
	TypeReady         MessageType = "ready"
	TypeReadyAck      MessageType = "ready_ack"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	TypeConfigure     MessageType = "configure"
	TypeConfigUpdated MessageType = "config_updated"
	TypeMeta          MessageType = "meta"
	TypeError         MessageType = "error"
)

// ControlMessage is the decoded form of any text unit.
type ControlMessage struct {
	Type      MessageType     `json:"type"`
	Message   string          `json:"message,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp *float64        `json:"timestamp,omitempty"`
}

// Known reports whether the type is part of the protocol.
func (m ControlMessage) Known() bool {
	switch m.Type {
	case TypeReady, TypeReadyAck, TypePing, TypePong, TypeConfigure, TypeConfigUpdated, TypeMeta, TypeError:
		return true
	}
	return false
}

// DecodeError marks a text unit whose structure could not be parsed.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed control message: %s: %v", e.Reason, e.Err)
	}
	return "malformed control message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	Type      json.RawMessage `json:"type"`
	Message   json.RawMessage `json:"message"`
	Config    json.RawMessage `json:"config"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode parses a text unit. A missing or unrecognized type is not an error;
// callers decide how to treat it.
func Decode(raw []byte) (ControlMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ControlMessage{}, &DecodeError{Reason: "expected a JSON object"}
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return ControlMessage{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	var msg ControlMessage
	if !isNull(env.Type) {
		var t string
		if err := json.Unmarshal(env.Type, &t); err != nil {
			return ControlMessage{}, &DecodeError{Reason: "type must be a string", Err: err}
		}
		msg.Type = MessageType(t)
	}

	switch msg.Type {
	case TypeConfigure:
		if isNull(env.Config) {
			msg.Config = json.RawMessage("{}")
			break
		}
		if !isObject(env.Config) {
			return ControlMessage{}, &DecodeError{Reason: "config must be an object"}
		}
		msg.Config = append(json.RawMessage(nil), env.Config...)
	case TypeMeta:
		if isNull(env.Data) {
			msg.Data = map[string]any{}
			break
		}
		if err := json.Unmarshal(env.Data, &msg.Data); err != nil {
			return ControlMessage{}, &DecodeError{Reason: "data must be an object", Err: err}
		}
	}

	if !isNull(env.Message) {
		if err := json.Unmarshal(env.Message, &msg.Message); err != nil {
			return ControlMessage{}, &DecodeError{Reason: "message must be a string", Err: err}
		}
	}
	if !isNull(env.Timestamp) {
		var ts float64
		if err := json.Unmarshal(env.Timestamp, &ts); err != nil {
			return ControlMessage{}, &DecodeError{Reason: "timestamp must be a number", Err: err}
		}
		msg.Timestamp = &ts
	}
	return msg, nil
}

// Encode serializes a control message for the text channel.
func Encode(msg ControlMessage) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("control message type is required")
	}
	return json.Marshal(msg)
}

func ReadyAck() ControlMessage {
	return ControlMessage{Type: TypeReadyAck, Message: "Server ready for audio processing"}
}

func Pong(timestamp float64) ControlMessage {
	return ControlMessage{Type: TypePong, Timestamp: &timestamp}
}

func ConfigUpdated() ControlMessage {
	return ControlMessage{Type: TypeConfigUpdated, Message: "Pipeline configuration updated"}
}

func ErrorMessage(text string) ControlMessage {
	return ControlMessage{Type: TypeError, Message: text}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
