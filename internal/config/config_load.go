package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// StateDir resolves the state root: $OPENCLAW_STATE_DIR or ~/.clawdis.
func StateDir() string {
	if v := os.Getenv("OPENCLAW_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawdis"
	}
	return filepath.Join(home, ".clawdis")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:            "main",
			Command:       "clawdis-agent",
			Model:         ModelChoice{Primary: "anthropic/claude-opus-4-5"},
			MaxConcurrent: 4,
			TimeoutMs:     120_000,
			HardTimeoutMs: 30 * 60 * 1000,
			CancelGraceMs: 2_000,
			DebounceMs:    250,
			ThinkingFlag:  true,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18789,
			RateLimitRPM: 0,
		},
		Bridge: BridgeConfig{
			Port: 18790,
			MDNS: true,
		},
		Session: SessionConfig{
			MainKey: "main",
		},
	}
}

// Load reads config.json (JSON5 accepted), overlays env vars, and returns the
// normalized typed view. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Provider secrets are
// consumed here and never persisted or logged.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWDIS_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("DISCORD_BOT_TOKEN", &c.Channels.Discord.BotToken)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.BotToken != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.BotToken != "" {
		c.Channels.Discord.Enabled = true
	}
}

// Watcher re-loads the config file on change and notifies subscribers.
type Watcher struct {
	cfg  *Config
	path string

	mu   sync.Mutex
	subs []func(*Config)

	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path for changes applied onto cfg.
func NewWatcher(cfg *Config, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{cfg: cfg, path: path, watcher: fw}
	go w.loop()
	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			fresh, err := Load(w.path)
			if err != nil {
				slog.Warn("config reload failed", "error", err)
				continue
			}
			w.cfg.ReplaceFrom(fresh)
			slog.Info("config reloaded", "path", w.path)
			w.mu.Lock()
			subs := append([]func(*Config){}, w.subs...)
			w.mu.Unlock()
			for _, fn := range subs {
				fn(w.cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// ApplyPatch merges a JSON object into the persisted config file and reloads
// it onto cfg. Used by the privileged config.set RPC.
func ApplyPatch(cfg *Config, path string, patch json.RawMessage) error {
	var base map[string]interface{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json5.Unmarshal(data, &base); err != nil {
			return fmt.Errorf("parse existing config: %w", err)
		}
	} else {
		base = map[string]interface{}{}
	}

	var delta map[string]interface{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return fmt.Errorf("parse patch: %w", err)
	}
	deepMerge(base, delta)

	out, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fresh, err := Load(path)
	if err != nil {
		return err
	}
	cfg.ReplaceFrom(fresh)
	return nil
}

func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sv, ok := v.(map[string]interface{}); ok {
			if dv, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}
