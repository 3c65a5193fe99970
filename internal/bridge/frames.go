// Package bridge runs the paired-node TCP listener: pairing, token auth,
// command invocation fan-out, and node event routing.
package bridge

import "encoding/json"

// Frame type tags used on the line-delimited JSON wire.
const (
	frameHello        = "hello"
	framePair         = "pair"
	frameAuthOK       = "auth_ok"
	frameAuthError    = "auth_error"
	frameNotPaired    = "not_paired"
	frameInvoke       = "invoke"
	frameInvokeResult = "invoke_result"
	frameEvent        = "event"
	framePing         = "ping"
	framePong         = "pong"
)

// Bridge-level error codes carried in auth_error and invoke_result frames.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeTimeout        = "TIMEOUT"
)

// frame is the single wire shape; fields are populated per type.
type frame struct {
	Type string `json:"type"`

	// hello / pair
	NodeID          string   `json:"nodeId,omitempty"`
	DisplayName     string   `json:"displayName,omitempty"`
	Token           string   `json:"token,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	Version         string   `json:"version,omitempty"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps,omitempty"`
	Commands        []string `json:"commands,omitempty"`

	// invoke / invoke_result
	ID         string          `json:"id,omitempty"`
	Command    string          `json:"command,omitempty"`
	ParamsJSON json.RawMessage `json:"paramsJSON,omitempty"`
	OK         bool            `json:"ok,omitempty"`
	ResultJSON json.RawMessage `json:"resultJSON,omitempty"`
	Error      string          `json:"error,omitempty"`

	// event
	Event       string          `json:"event,omitempty"`
	PayloadJSON json.RawMessage `json:"payloadJSON,omitempty"`

	// auth_error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
