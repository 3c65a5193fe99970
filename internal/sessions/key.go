// Package sessions derives and parses canonical session keys.
//
// Session keys follow the format:
//
//	agent:{agentId}:{channel}:{chatType}:{chatKey}
//
// Direct chats optionally collapse into the agent's shared main session
// (agent:{agentId}:{mainKey}) when session.collapseDirect is set. Groups and
// broadcast channels never collapse.
//
// Examples:
//
//	agent:main:telegram:direct:386246614
//	agent:main:whatsapp:group:1203630xxx@g.us
//	agent:main:main
package sessions

import (
	"fmt"
	"strings"

	"github.com/clawdis/clawdis/internal/bus"
)

// Build derives the full session key for a conversation.
func Build(agentID, channel string, chatType bus.ChatType, chatKey string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, chatType, chatKey)
}

// BuildMain derives the shared main-session key for an agent.
func BuildMain(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// Derive applies the collapse rule: direct chats collapse to the main key
// when collapseDirect is set; groups never collapse.
func Derive(agentID, channel string, chatType bus.ChatType, chatKey string, collapseDirect bool, mainKey string) string {
	if chatType == bus.ChatDirect && collapseDirect {
		return BuildMain(agentID, mainKey)
	}
	return Build(agentID, channel, chatType, chatKey)
}

// Parse splits a canonical key into agentID and the remainder.
// Returns ("", "") for keys not in the expected format.
func Parse(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// Channel extracts the channel component of a full (non-collapsed) key.
// Returns "" for main-session keys.
func Channel(key string) string {
	_, rest := Parse(key)
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[0]
}

// IsGroup reports whether the key addresses a group conversation.
func IsGroup(key string) bool {
	_, rest := Parse(key)
	parts := strings.SplitN(rest, ":", 3)
	return len(parts) >= 2 && parts[1] == string(bus.ChatGroup)
}
