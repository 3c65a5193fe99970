package sessions

import (
	"testing"

	"github.com/clawdis/clawdis/internal/bus"
)

// TestDerive verifies the collapse rule: direct chats collapse into the main
// session only when collapseDirect is set, and groups never collapse.
func TestDerive(t *testing.T) {
	tests := []struct {
		name     string
		chatType bus.ChatType
		collapse bool
		mainKey  string
		want     string
	}{
		{
			name:     "direct without collapse",
			chatType: bus.ChatDirect,
			want:     "agent:main:telegram:direct:386246614",
		},
		{
			name:     "direct with collapse",
			chatType: bus.ChatDirect,
			collapse: true,
			want:     "agent:main:main",
		},
		{
			name:     "direct with collapse and custom main key",
			chatType: bus.ChatDirect,
			collapse: true,
			mainKey:  "primary",
			want:     "agent:main:primary",
		},
		{
			name:     "group never collapses",
			chatType: bus.ChatGroup,
			collapse: true,
			want:     "agent:main:telegram:group:386246614",
		},
		{
			name:     "broadcast channel never collapses",
			chatType: bus.ChatChannel,
			collapse: true,
			want:     "agent:main:telegram:channel:386246614",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive("main", "telegram", tt.chatType, "386246614", tt.collapse, tt.mainKey)
			if got != tt.want {
				t.Errorf("Derive() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestParse verifies key splitting, including chat keys that themselves
// contain colons (WhatsApp JIDs do not, but Discord guild:channel pairs may).
func TestParse(t *testing.T) {
	agentID, rest := Parse("agent:main:whatsapp:group:1203630@g.us")
	if agentID != "main" {
		t.Errorf("agentID = %q, want main", agentID)
	}
	if rest != "whatsapp:group:1203630@g.us" {
		t.Errorf("rest = %q", rest)
	}

	if id, _ := Parse("not-a-key"); id != "" {
		t.Errorf("malformed key parsed to %q", id)
	}
	if id, _ := Parse("session:main:x"); id != "" {
		t.Errorf("wrong prefix parsed to %q", id)
	}
}

// TestChannelAndIsGroup checks the component accessors across full and
// collapsed keys.
func TestChannelAndIsGroup(t *testing.T) {
	full := Build("main", "discord", bus.ChatGroup, "guild1:chan2")
	if ch := Channel(full); ch != "discord" {
		t.Errorf("Channel(%q) = %q, want discord", full, ch)
	}
	if !IsGroup(full) {
		t.Errorf("IsGroup(%q) = false, want true", full)
	}

	main := BuildMain("main", "")
	if ch := Channel(main); ch != "" {
		t.Errorf("Channel(main key) = %q, want empty", ch)
	}
	if IsGroup(main) {
		t.Error("IsGroup(main key) = true, want false")
	}
}
