// Package protocol defines the JSON IPC envelope exchanged between the
// taskbridge daemon, downstream clients, and the upstream extension socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates the envelope payload.
type MessageType string

// Envelope types.
const (
	TypeAck         MessageType = "Ack"
	TypeTaskCommand MessageType = "TaskCommand"
	TypeTaskEvent   MessageType = "TaskEvent"
	TypeConnect     MessageType = "Connect"
	TypeDisconnect  MessageType = "Disconnect"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeError       MessageType = "error"
	TypeCustom      MessageType = "custom"
)

// Origin identifies which side of the wire produced an envelope.
type Origin string

const (
	OriginServer Origin = "server"
	OriginClient Origin = "client"
)

// Envelope is the message unit exchanged over every transport. Data is left
// opaque; the typed payload helpers in payloads.go decode it per Type.
type Envelope struct {
	Type     MessageType     `json:"type"`
	Origin   Origin          `json:"origin"`
	ClientID string          `json:"clientId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NotJSONError indicates the raw bytes were not valid JSON.
type NotJSONError struct {
	Err error
}

func (e *NotJSONError) Error() string {
	return fmt.Sprintf("envelope is not valid JSON: %v", e.Err)
}

func (e *NotJSONError) Unwrap() error { return e.Err }

// MissingFieldError indicates a required envelope field was absent or empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("envelope is missing required field %q", e.Field)
}

// UnknownTypeError indicates an unrecognized envelope type value.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown envelope type %q", e.Type)
}

// UnknownOriginError indicates an unrecognized origin value.
type UnknownOriginError struct {
	Origin string
}

func (e *UnknownOriginError) Error() string {
	return fmt.Sprintf("unknown envelope origin %q", e.Origin)
}

// IsParseError reports whether err came from envelope validation rather than
// the underlying transport. Parse errors are dropped and logged by callers;
// transport errors close the connection.
func IsParseError(err error) bool {
	var notJSON *NotJSONError
	var missing *MissingFieldError
	var unknownType *UnknownTypeError
	var unknownOrigin *UnknownOriginError
	return errors.As(err, &notJSON) ||
		errors.As(err, &missing) ||
		errors.As(err, &unknownType) ||
		errors.As(err, &unknownOrigin)
}

func validType(t MessageType) bool {
	switch t {
	case TypeAck, TypeTaskCommand, TypeTaskEvent, TypeConnect,
		TypeDisconnect, TypePing, TypePong, TypeError, TypeCustom:
		return true
	}
	return false
}

func validOrigin(o Origin) bool {
	return o == OriginServer || o == OriginClient
}

// Parse validates raw bytes against the envelope schema. It is a pure
// function: unknown types and missing required fields are rejected, the Data
// payload is carried through undecoded.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &NotJSONError{Err: err}
	}
	if env.Type == "" {
		return nil, &MissingFieldError{Field: "type"}
	}
	if env.Origin == "" {
		return nil, &MissingFieldError{Field: "origin"}
	}
	if !validType(env.Type) {
		return nil, &UnknownTypeError{Type: string(env.Type)}
	}
	if !validOrigin(env.Origin) {
		return nil, &UnknownOriginError{Origin: string(env.Origin)}
	}
	return &env, nil
}

// Encode marshals an envelope as a single newline-terminated JSON line.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return append(data, '\n'), nil
}
