package protocol

import (
	"encoding/json"
	"fmt"
)

// AckPayload is sent by the server in response to a client identification.
type AckPayload struct {
	ClientID string `json:"clientId"`
	PID      int    `json:"pid"`
	PPID     int    `json:"ppid"`
}

// Task command names.
const (
	CommandStartNewTask = "StartNewTask"
	CommandCancelTask   = "CancelTask"
	CommandCloseTask    = "CloseTask"
)

// TaskConfiguration carries per-task settings forwarded to the upstream peer.
// Extension-defined keys beyond the working directory pass through untouched.
type TaskConfiguration map[string]any

// TaskCommandData is the inner payload of a TaskCommand.
type TaskCommandData struct {
	Text          string            `json:"text,omitempty"`
	Images        []string          `json:"images,omitempty"`
	Configuration TaskConfiguration `json:"configuration,omitempty"`
	NewTab        bool              `json:"newTab,omitempty"`
}

// TaskCommandPayload is the Data of a TaskCommand envelope.
type TaskCommandPayload struct {
	CommandName string          `json:"commandName"`
	Data        TaskCommandData `json:"data"`
}

// Task event names emitted by the upstream peer.
const (
	EventTaskStarted           = "taskStarted"
	EventTaskCompleted         = "taskCompleted"
	EventTaskAborted           = "taskAborted"
	EventMessage               = "message"
	EventQuestion              = "question"
	EventTaskTokenUsageUpdated = "taskTokenUsageUpdated"
)

// TaskEventPayload is the Data of a TaskEvent envelope. Payload carries the
// upstream event's positional arguments.
type TaskEventPayload struct {
	EventName string            `json:"eventName"`
	Payload   []json.RawMessage `json:"payload,omitempty"`
}

// Structural reports whether the event describes task lifecycle rather than
// free-text content. Structural events bypass dedup suppression.
func (p *TaskEventPayload) Structural() bool {
	switch p.EventName {
	case EventMessage, EventQuestion:
		return false
	}
	return true
}

// Text extracts the human-readable text from the first positional argument,
// accepting either a bare string or an object with a "text" field. Returns
// "" when no text is present.
func (p *TaskEventPayload) Text() string {
	if len(p.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Payload[0], &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(p.Payload[0], &obj); err == nil {
		return obj.Text
	}
	return ""
}

// ErrorPayload is the Data of an error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CustomPayload is the Data of a custom envelope; Name selects the action.
type CustomPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CustomShutdown is the custom action that asks the daemon to stop.
const CustomShutdown = "shutdown"

// Ack decodes the envelope as an Ack payload.
func (e *Envelope) Ack() (*AckPayload, error) {
	var p AckPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode Ack payload: %w", err)
	}
	return &p, nil
}

// TaskCommand decodes the envelope as a TaskCommand payload.
func (e *Envelope) TaskCommand() (*TaskCommandPayload, error) {
	var p TaskCommandPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode TaskCommand payload: %w", err)
	}
	if p.CommandName == "" {
		return nil, &MissingFieldError{Field: "data.commandName"}
	}
	return &p, nil
}

// TaskEvent decodes the envelope as a TaskEvent payload.
func (e *Envelope) TaskEvent() (*TaskEventPayload, error) {
	var p TaskEventPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode TaskEvent payload: %w", err)
	}
	if p.EventName == "" {
		return nil, &MissingFieldError{Field: "data.eventName"}
	}
	return &p, nil
}

// Custom decodes the envelope as a custom payload.
func (e *Envelope) Custom() (*CustomPayload, error) {
	var p CustomPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode custom payload: %w", err)
	}
	return &p, nil
}

// NewEnvelope builds an envelope with a marshaled payload.
func NewEnvelope(t MessageType, origin Origin, clientID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, Origin: origin, ClientID: clientID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// NewErrorEnvelope builds a server-origin error envelope with a message.
func NewErrorEnvelope(clientID, message string) *Envelope {
	env, _ := NewEnvelope(TypeError, OriginServer, clientID, ErrorPayload{Message: message})
	return env
}
