package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Error codes carried in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "invalid_request"
	ErrUnauthorized   = "unauthorized"
	ErrNotFound       = "not_found"
	ErrConflict       = "conflict"
	ErrRateLimited    = "rate_limited"
	ErrInternal       = "internal"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"` // "res"
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo describes a failed RPC call.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server → client push.
type EventFrame struct {
	Type    string      `json:"type"` // "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: true, Payload: payload}
}

func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: event, Payload: payload}
}
