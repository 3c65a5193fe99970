// Package agentrt adapts the AI agent worker subprocess. The worker speaks
// NDJSON over stdio: one request or event record per line.
package agentrt

import "github.com/clawdis/clawdis/pkg/protocol"

// Request record types written to the worker.
const (
	reqRun    = "run"
	reqCancel = "cancel"
)

// Event record types read from the worker.
const (
	evSessionStart = "session_start"
	evToolStart    = "tool_start"
	evToolEnd      = "tool_end"
	evText         = "text"
	evFinal        = "final"
	evError        = "error"
	evAgentEnd     = "agent_end"
)

// WorkerRequest is one NDJSON line sent to the worker.
type WorkerRequest struct {
	Type         string       `json:"type"`
	RunID        string       `json:"runId"`
	SessionKey   string       `json:"sessionKey,omitempty"`
	SessionID    string       `json:"sessionId,omitempty"`
	SystemPrompt string       `json:"systemPrompt,omitempty"`
	BodyPrefix   string       `json:"bodyPrefix,omitempty"`
	Body         string       `json:"body,omitempty"`
	Thinking     string       `json:"thinking,omitempty"`
	Media        []MediaInput `json:"media,omitempty"`
	ModelRef     string       `json:"modelRef,omitempty"`
	TimeoutMs    int          `json:"timeoutMs,omitempty"`
}

// MediaInput is one attachment handed to the worker. Images larger than the
// model input cap are clamped before they get here.
type MediaInput struct {
	Kind string `json:"kind"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
	B64  string `json:"b64,omitempty"`
}

// WorkerEvent is one NDJSON line read from the worker.
type WorkerEvent struct {
	Type      string          `json:"type"`
	RunID     string          `json:"runId"`
	SessionID string          `json:"sessionId,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arg       string          `json:"arg,omitempty"`
	Preview   string          `json:"preview,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Text      string          `json:"text,omitempty"`
	Message   string          `json:"message,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Usage     *protocol.Usage `json:"usage,omitempty"`
}
