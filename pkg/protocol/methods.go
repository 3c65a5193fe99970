package protocol

// RPC method name constants.
const (
	MethodHello  = "hello"
	MethodHealth = "health"
	MethodStatus = "status"

	MethodSend        = "send"
	MethodAgent       = "agent"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"

	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"

	MethodNodesList    = "nodes.list"
	MethodNodesPending = "nodes.pending"
	MethodNodesApprove = "nodes.approve"
	MethodNodesReject  = "nodes.reject"
	MethodNodesInvoke  = "nodes.invoke"

	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronRunNow = "cron.runNow"

	MethodHeartbeat = "heartbeat"

	MethodSystemEvent = "system-event"
	MethodModelsList  = "models.list"
)

// Error codes returned in ErrorInfo.Code.
const (
	ErrInvalidRequest    = "INVALID_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrUnavailable       = "UNAVAILABLE"
	ErrUnsupported       = "UNSUPPORTED"
	ErrUnknownMethod     = "UNKNOWN_METHOD"
	ErrAgentError        = "AGENT_ERROR"
	ErrTimeout           = "TIMEOUT"
	ErrFallbackExhausted = "FALLBACK_EXHAUSTED"
	ErrTransport         = "TRANSPORT_ERROR"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternal          = "INTERNAL"
)
