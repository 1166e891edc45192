package gateway

import "encoding/json"

// FrameType identifies the kind of frame exchanged over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// FrameError is the structured error carried by a failed response frame.
type FrameError struct {
	Code    string          `json:"code"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Frame is the envelope exchanged with the gateway.
// Requests carry ID, Method, Params. Responses carry ID, OK, and either
// Payload or Error. Events carry Event and Payload. Unknown fields inside
// Params and Payload are preserved opaquely.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// RequestError is the caller-facing form of a response frame error.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}
