package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18789 {
		t.Errorf("gateway defaults = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Agent.MaxConcurrent != 4 || cfg.Agent.TimeoutMs != 120_000 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Session.MainKey != "main" {
		t.Errorf("MainKey = %q, want main", cfg.Session.MainKey)
	}
}

func TestLoad_JSON5Accepted(t *testing.T) {
	path := writeConfig(t, `{
		// relaxed syntax: comments and trailing commas
		agent: {
			id: "butler",
			maxConcurrent: 2,
		},
		session: { collapseDirect: true },
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ID != "butler" || cfg.Agent.MaxConcurrent != 2 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if !cfg.Session.CollapseDirect {
		t.Error("collapseDirect not applied")
	}
	// Untouched fields keep their defaults.
	if cfg.Gateway.Port != 18789 {
		t.Errorf("gateway port = %d, want default", cfg.Gateway.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CLAWDIS_GATEWAY_TOKEN", "sekrit")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("DISCORD_BOT_TOKEN", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "sekrit" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	if cfg.Channels.Telegram.BotToken != "tg-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.BotToken)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram not auto-enabled by credential")
	}
	if cfg.Channels.Discord.Enabled {
		t.Error("discord enabled without credential")
	}
}

func TestModelChoice_UnmarshalBothForms(t *testing.T) {
	var m ModelChoice
	if err := json.Unmarshal([]byte(`"anthropic/opus"`), &m); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if m.Primary != "anthropic/opus" || m.Fallbacks != nil {
		t.Errorf("string form = %+v", m)
	}

	if err := json.Unmarshal([]byte(`{"primary": "anthropic/opus", "fallbacks": ["anthropic/sonnet"]}`), &m); err != nil {
		t.Fatalf("object form: %v", err)
	}
	if m.Primary != "anthropic/opus" || len(m.Fallbacks) != 1 || m.Fallbacks[0] != "anthropic/sonnet" {
		t.Errorf("object form = %+v", m)
	}

	if err := json.Unmarshal([]byte(`42`), &m); err == nil {
		t.Error("numeric form accepted, want error")
	}
}

func TestQueueModeFor(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		channel string
		want    QueueMode
	}{
		{"whatsapp default interrupts", nil, "whatsapp", QueueModeInterrupt},
		{"telegram default interrupts", nil, "telegram", QueueModeInterrupt},
		{"discord default queues", nil, "discord", QueueModeQueue},
		{"webchat default queues", nil, "webchat", QueueModeQueue},
		{
			name:    "global overrides channel default",
			mutate:  func(c *Config) { c.Session.QueueMode = QueueModeQueue },
			channel: "telegram",
			want:    QueueModeQueue,
		},
		{
			name: "channel setting beats global",
			mutate: func(c *Config) {
				c.Session.QueueMode = QueueModeQueue
				c.Channels.Telegram.QueueMode = QueueModeInterrupt
			},
			channel: "telegram",
			want:    QueueModeInterrupt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			if got := cfg.QueueModeFor(tt.channel); got != tt.want {
				t.Errorf("QueueModeFor(%q) = %q, want %q", tt.channel, got, tt.want)
			}
		})
	}
}

func TestModelAllowed(t *testing.T) {
	cfg := Default()
	if !cfg.ModelAllowed("anything/goes") {
		t.Error("empty alias list should allow anything")
	}
	cfg.Agent.ModelAliases = []string{"anthropic/opus"}
	if !cfg.ModelAllowed("anthropic/opus") {
		t.Error("listed ref rejected")
	}
	if cfg.ModelAllowed("openai/gpt-4o") {
		t.Error("unlisted ref accepted")
	}
}

func TestApplyPatch(t *testing.T) {
	path := writeConfig(t, `{
		agent: { id: "butler", maxConcurrent: 2 },
		session: { mainKey: "main" },
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	patch := json.RawMessage(`{"agent": {"maxConcurrent": 8}, "session": {"collapseDirect": true}}`)
	if err := ApplyPatch(cfg, path, patch); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.Agent.MaxConcurrent != 8 {
		t.Errorf("maxConcurrent = %d, want patched 8", snap.Agent.MaxConcurrent)
	}
	if snap.Agent.ID != "butler" {
		t.Errorf("agent id = %q, sibling key lost in merge", snap.Agent.ID)
	}
	if !snap.Session.CollapseDirect {
		t.Error("collapseDirect not merged")
	}

	// The patch lands in the file, not just in memory.
	fresh, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Agent.MaxConcurrent != 8 || fresh.Agent.ID != "butler" {
		t.Errorf("persisted config = %+v", fresh.Agent)
	}
}
