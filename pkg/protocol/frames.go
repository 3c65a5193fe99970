// Package protocol defines the control-plane wire protocol shared by the
// gateway server and every client (CLI, menubar, companion apps).
//
// Framing is JSON Lines over WebSocket. Clients send request frames
// {id, method, params}; the server answers {id, ok, result|error} and pushes
// unsolicited {event, payload} frames on the same socket.
package protocol

import "encoding/json"

// ProtocolVersion is bumped whenever a frame shape changes incompatibly.
const ProtocolVersion = 2

// RequestFrame is a client→server RPC request.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's answer to a RequestFrame with the same ID.
type ResponseFrame struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server-pushed event, not correlated to any request.
type EventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a typed error code plus a one-line human summary.
// Internal error objects never cross this boundary.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResponse builds a successful response frame.
func NewResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{ID: id, OK: true, Result: result}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Event: name, Payload: payload}
}
