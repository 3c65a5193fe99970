// Package config resolves the gateway configuration from defaults, the
// config.json file, environment variables, and runtime overrides, and exposes
// a typed view with change notifications.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ModelChoice is a model reference plus ordered fallbacks. In config.json it
// may be written either as a plain string or as {primary, fallbacks}; the
// loader normalizes both forms so consumers only ever see this struct.
type ModelChoice struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

func (m *ModelChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Primary = s
		m.Fallbacks = nil
		return nil
	}
	type alias ModelChoice
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("model ref must be a string or {primary, fallbacks}: %w", err)
	}
	*m = ModelChoice(a)
	return nil
}

// Config is the root gateway configuration.
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Bridge   BridgeConfig   `json:"bridge"`
	Session  SessionConfig  `json:"session"`
	Admin    AdminConfig    `json:"admin"`
	Cron     CronConfig     `json:"cron,omitempty"`

	mu sync.RWMutex
}

// AgentConfig controls the agent runtime adapter and scheduler.
type AgentConfig struct {
	ID            string      `json:"id"`             // agent identity in session keys
	Command       string      `json:"command"`        // worker binary
	Args          []string    `json:"args,omitempty"` // extra worker args
	Model         ModelChoice `json:"model"`
	ModelAliases  []string    `json:"modelAliases,omitempty"` // allowlist for /model and fallbacks
	SystemPrompt  string      `json:"systemPrompt,omitempty"`
	MaxConcurrent int         `json:"maxConcurrent"` // cross-session run cap
	TimeoutMs     int         `json:"timeoutMs"`     // per-run timeout (default 120s)
	HardTimeoutMs int         `json:"hardTimeoutMs"` // absolute cap (default 30m)
	CancelGraceMs int         `json:"cancelGraceMs"` // soft cancel → SIGTERM window
	DebounceMs    int         `json:"debounceMs"`    // forced/index op coalescing window

	// ThinkingFlag true means the worker accepts --thinking <level> verbatim;
	// false falls back to prompt cue tokens.
	ThinkingFlag bool `json:"thinkingFlag"`
}

// QueueMode is the scheduler admission policy when a run is in flight.
type QueueMode string

const (
	QueueModeQueue     QueueMode = "queue"
	QueueModeInterrupt QueueMode = "interrupt"
)

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	WebChat  WebChatConfig  `json:"webchat,omitempty"`
	Node     NodeConfig     `json:"node,omitempty"`
}

// ChannelCommon is embedded by every channel config.
type ChannelCommon struct {
	Enabled        bool             `json:"enabled,omitempty"`
	AllowFrom      []string         `json:"allowFrom,omitempty"` // "*" matches any sender
	QueueMode      QueueMode        `json:"queueMode,omitempty"` // empty = channel default
	RequireMention *bool            `json:"requireMention,omitempty"`
	Heartbeat      *HeartbeatConfig `json:"heartbeat,omitempty"`
	MaxChunkChars  int              `json:"maxChunkChars,omitempty"`
}

// WhatsAppConfig configures the WhatsApp Web transport.
type WhatsAppConfig struct {
	ChannelCommon
	BotJID string `json:"botJid,omitempty"` // own identifier for mention gating
}

// TelegramConfig configures the Telegram bot transport, optionally with
// multiple bot accounts keyed by account id.
type TelegramConfig struct {
	ChannelCommon
	BotToken string                     `json:"-"` // env TELEGRAM_BOT_TOKEN only
	Accounts map[string]TelegramAccount `json:"accounts,omitempty"`
}

// TelegramAccount is one bot account for multi-account setups.
type TelegramAccount struct {
	BotToken string `json:"botToken"`
}

// DiscordConfig configures the Discord gateway transport.
type DiscordConfig struct {
	ChannelCommon
	BotToken string `json:"-"` // env DISCORD_BOT_TOKEN only
	BotID    string `json:"botId,omitempty"`
}

// WebChatConfig configures the built-in WebChat surface.
type WebChatConfig struct {
	ChannelCommon
}

// NodeConfig configures the paired-node channel.
type NodeConfig struct {
	ChannelCommon
}

// HeartbeatConfig configures periodic probes for one channel.
type HeartbeatConfig struct {
	Every       string            `json:"every,omitempty"` // Go duration, "" = disabled
	Prompt      string            `json:"prompt,omitempty"`
	Think       string            `json:"think,omitempty"`  // optional /think level
	Target      string            `json:"target,omitempty"` // "" = last channel
	To          string            `json:"to,omitempty"`     // recipient override
	AccountID   string            `json:"accountId,omitempty"`
	AckMaxChars int               `json:"ackMaxChars,omitempty"` // 0 disables the cap
	Visibility  *VisibilityConfig `json:"visibility,omitempty"`
	ActiveHours *ActiveHours      `json:"activeHours,omitempty"`
}

// VisibilityConfig controls which heartbeat outputs reach users.
type VisibilityConfig struct {
	ShowAlerts   bool `json:"showAlerts"`
	ShowOk       bool `json:"showOk"`
	UseIndicator bool `json:"useIndicator"`
}

// AllOff reports whether every heartbeat output is disabled.
func (v *VisibilityConfig) AllOff() bool {
	return v != nil && !v.ShowAlerts && !v.ShowOk && !v.UseIndicator
}

// ActiveHours restricts heartbeats to a local-time window.
type ActiveHours struct {
	Start    string `json:"start,omitempty"` // "HH:MM" inclusive
	End      string `json:"end,omitempty"`   // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"`
}

// GatewayConfig configures the control-plane listener.
type GatewayConfig struct {
	Host         string `json:"host"` // default 127.0.0.1
	Port         int    `json:"port"` // default 18789
	LanHost      string `json:"lanHost,omitempty"`
	LanPort      int    `json:"lanPort,omitempty"`
	Token        string `json:"-"` // env CLAWDIS_GATEWAY_TOKEN only
	RateLimitRPM int    `json:"rateLimitRpm,omitempty"`
}

// BridgeConfig configures the paired-node bridge listener.
type BridgeConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"` // default: all interfaces
	Port    int    `json:"port,omitempty"` // default 18790
	MDNS    bool   `json:"mdns,omitempty"` // advertise _clawdis-bridge._tcp
}

// SessionConfig controls session key derivation and queue defaults.
type SessionConfig struct {
	// CollapseDirect collapses direct-chat sessions into the agent's "main"
	// session. Groups never collapse.
	CollapseDirect bool      `json:"collapseDirect,omitempty"`
	MainKey        string    `json:"mainKey,omitempty"` // default "main"
	QueueMode      QueueMode `json:"queueMode,omitempty"`
}

// AdminConfig gates privileged operations.
type AdminConfig struct {
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// CronConfig configures the cron subsystem.
type CronConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// DefaultQueueMode resolves the channel default admission policy:
// WhatsApp/Telegram interrupt, Discord/WebChat (and everything else) queue.
func DefaultQueueMode(channel string) QueueMode {
	switch channel {
	case "whatsapp", "telegram":
		return QueueModeInterrupt
	default:
		return QueueModeQueue
	}
}

// ChannelCommonFor returns the common block for a named channel.
func (c *Config) ChannelCommonFor(channel string) ChannelCommon {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch channel {
	case "whatsapp":
		return c.Channels.WhatsApp.ChannelCommon
	case "telegram":
		return c.Channels.Telegram.ChannelCommon
	case "discord":
		return c.Channels.Discord.ChannelCommon
	case "webchat":
		return c.Channels.WebChat.ChannelCommon
	case "node":
		return c.Channels.Node.ChannelCommon
	}
	return ChannelCommon{}
}

// QueueModeFor resolves the effective queue mode for a channel, before any
// per-session override: channel setting > global setting > channel default.
func (c *Config) QueueModeFor(channel string) QueueMode {
	common := c.ChannelCommonFor(channel)
	if common.QueueMode != "" {
		return common.QueueMode
	}
	c.mu.RLock()
	global := c.Session.QueueMode
	c.mu.RUnlock()
	if global != "" {
		return global
	}
	return DefaultQueueMode(channel)
}

// ModelAllowed reports whether ref may be used as a session model override.
// An empty alias list allows anything.
func (c *Config) ModelAllowed(ref string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Agent.ModelAliases) == 0 {
		return true
	}
	for _, a := range c.Agent.ModelAliases {
		if a == ref {
			return true
		}
	}
	return false
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Bridge = src.Bridge
	c.Session = src.Session
	c.Admin = src.Admin
	c.Cron = src.Cron
}

// Snapshot returns a copy of the current data fields for safe concurrent reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Agent:    c.Agent,
		Channels: c.Channels,
		Gateway:  c.Gateway,
		Bridge:   c.Bridge,
		Session:  c.Session,
		Admin:    c.Admin,
		Cron:     c.Cron,
	}
}
