package protocol

// Event names pushed from server to clients.
const (
	EventChat           = "chat"
	EventProvider       = "provider"
	EventPresence       = "presence"
	EventPairingPending = "pairing.pending"
	EventLog            = "log"
	EventHeartbeat      = "heartbeat"
	EventShutdown       = "shutdown"
)

// Run states carried on chat events. A run moves
// pending → running → streaming (repeatable) → final | cancelled | failed.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunStreaming = "streaming"
	RunFinal     = "final"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// ChatEvent is the payload of EventChat frames. Streaming deltas are only
// delivered to control-plane subscribers, never to external messaging surfaces.
type ChatEvent struct {
	RunID      string     `json:"runId"`
	SessionKey string     `json:"sessionKey,omitempty"`
	State      string     `json:"state"`
	Text       string     `json:"text,omitempty"`
	ToolEvent  *ToolEvent `json:"toolEvent,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// ToolEvent describes a tool invocation observed during a run.
type ToolEvent struct {
	Phase   string `json:"phase"` // "start" or "end"
	Tool    string `json:"tool"`
	Arg     string `json:"arg,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// Usage is the token accounting reported by the agent worker.
type Usage struct {
	InputTokens   int `json:"inputTokens,omitempty"`
	OutputTokens  int `json:"outputTokens,omitempty"`
	ContextTokens int `json:"contextTokens,omitempty"`
}

// ProviderEvent signals a transport link state change.
type ProviderEvent struct {
	Channel string `json:"channel"`
	Linked  bool   `json:"linked"`
}

// PresenceEvent signals a paired node connecting or disconnecting.
type PresenceEvent struct {
	NodeID string `json:"nodeId"`
	State  string `json:"state"` // "connected" or "disconnected"
}

// LogEvent mirrors a structured log line onto subscribed clients.
type LogEvent struct {
	Level string                 `json:"level"`
	Msg   string                 `json:"msg"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}
