package whatsapp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/clawdis/clawdis/internal/bus"
)

// helperFrame is one NDJSON line exchanged with the WhatsApp helper process.
// Outbound frames carry a command; inbound frames carry either a message or a
// connection state change.
type helperFrame struct {
	Type string `json:"type"`

	// send / typing
	To      string `json:"to,omitempty"`
	Text    string `json:"text,omitempty"`
	Kind    string `json:"kind,omitempty"`
	DataB64 string `json:"dataB64,omitempty"`
	Mime    string `json:"mime,omitempty"`
	Caption string `json:"caption,omitempty"`

	// message
	From          string   `json:"from,omitempty"`
	ChatJID       string   `json:"chatJid,omitempty"`
	PushName      string   `json:"pushName,omitempty"`
	MessageID     string   `json:"messageId,omitempty"`
	Group         bool     `json:"group,omitempty"`
	MentionedJIDs []string `json:"mentionedJids,omitempty"`

	// state
	Connected bool `json:"connected,omitempty"`
}

// HelperSocket drives an external WhatsApp Web helper over NDJSON on
// stdin/stdout. The helper owns the whatsmeow session and credentials.
type HelperSocket struct {
	command string

	mu        sync.Mutex
	proc      *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	onMessage func(Message)
	cancel    context.CancelFunc
}

// NewHelperSocket builds a socket for the given helper command.
func NewHelperSocket(command string) *HelperSocket {
	return &HelperSocket{command: command}
}

// OnMessage registers the inbound message callback. Must be called before
// Connect.
func (h *HelperSocket) OnMessage(fn func(Message)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// Connect spawns the helper and starts pumping its stdout.
func (h *HelperSocket) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, h.command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("spawn whatsapp helper: %w", err)
	}

	h.mu.Lock()
	h.proc = cmd
	h.stdin = stdin
	h.cancel = cancel
	h.mu.Unlock()

	go h.pump(stdout)
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.connected = false
		h.proc = nil
		h.stdin = nil
		h.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			slog.Warn("whatsapp helper exited", "error", err)
		}
	}()
	return nil
}

func (h *HelperSocket) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		var f helperFrame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		switch f.Type {
		case "state":
			h.mu.Lock()
			h.connected = f.Connected
			h.mu.Unlock()
		case "message":
			h.mu.Lock()
			fn := h.onMessage
			h.mu.Unlock()
			if fn == nil {
				continue
			}
			msg := Message{
				From:          f.From,
				ChatJID:       f.ChatJID,
				PushName:      f.PushName,
				Text:          f.Text,
				MessageID:     f.MessageID,
				Group:         f.Group,
				MentionedJIDs: f.MentionedJIDs,
			}
			if f.DataB64 != "" {
				if data, err := base64.StdEncoding.DecodeString(f.DataB64); err == nil {
					msg.Media = []bus.Media{{
						Kind:      bus.MediaKind(f.Kind),
						Bytes:     data,
						Mime:      f.Mime,
						SizeBytes: int64(len(data)),
						Caption:   f.Caption,
					}}
				}
			}
			fn(msg)
		}
	}
}

// Close stops the helper process.
func (h *HelperSocket) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	return nil
}

// Connected reports the helper's last known session state.
func (h *HelperSocket) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *HelperSocket) write(f helperFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil {
		return fmt.Errorf("whatsapp helper not running")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to whatsapp helper: %w", err)
	}
	return nil
}

// SendText sends a text message through the helper.
func (h *HelperSocket) SendText(_ context.Context, to, text string) error {
	return h.write(helperFrame{Type: "send", To: to, Text: text})
}

// SendMedia sends one attachment through the helper.
func (h *HelperSocket) SendMedia(_ context.Context, to string, media bus.Media) error {
	return h.write(helperFrame{
		Type:    "send",
		To:      to,
		Kind:    string(media.Kind),
		DataB64: base64.StdEncoding.EncodeToString(media.Bytes),
		Mime:    media.Mime,
		Caption: media.Caption,
	})
}

// SendTyping raises the composing presence through the helper.
func (h *HelperSocket) SendTyping(_ context.Context, to string) error {
	return h.write(helperFrame{Type: "typing", To: to})
}
