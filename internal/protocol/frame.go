// Package protocol defines the JSON frame envelope spoken over client
// connections and the event names pushed to them.
package protocol

import (
	"encoding/json"
	"errors"
)

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Version of the frame protocol spoken by this server.
const Version = 1

// Events pushed to connections.
const (
	EventChallenge            = "connect.challenge"
	EventConnected            = "connected"
	EventUserJoined           = "user_joined"
	EventSessionJoined        = "session_joined"
	EventUserLeft             = "user_left"
	EventSessionLeft          = "session_left"
	EventMessage              = "message"
	EventMessageSent          = "message_sent"
	EventTyping               = "typing"
	EventStopTyping           = "stop_typing"
	EventDeliveryConfirmation = "delivery_confirmation"
	EventError                = "error"
)

// Events lists every event a client may receive.
var Events = []string{
	EventChallenge, EventConnected, EventUserJoined, EventSessionJoined,
	EventUserLeft, EventSessionLeft, EventMessage, EventMessageSent,
	EventTyping, EventStopTyping, EventDeliveryConfirmation, EventError,
}

// Frame is the envelope of every message on a connection. Type selects
// which of the field groups below is populated.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the standard error format in response frames and error events.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func raw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	p, err := raw(params)
	return Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: p}, err
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	p, err := raw(payload)
	return Frame{Type: FrameTypeResponse, ID: id, OK: ptr(true), Payload: p}, err
}

// NewErrorResponse creates a failed response frame.
func NewErrorResponse(id string, shape ErrorShape) Frame {
	return Frame{Type: FrameTypeResponse, ID: id, OK: ptr(false), Error: &shape}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any) (Frame, error) {
	p, err := raw(payload)
	return Frame{Type: FrameTypeEvent, Event: event, Payload: p}, err
}

// EncodeEvent builds an event frame and serializes it for a push channel.
func EncodeEvent(event string, payload any) ([]byte, error) {
	f, err := NewEvent(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses a serialized frame. A frame without a type is rejected.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	if f.Type == "" {
		return f, ErrMissingType
	}
	return f, nil
}

// ErrMissingType is returned by Decode for a frame with no type field.
var ErrMissingType = errors.New("frame has no type")

func ptr[T any](v T) *T { return &v }
