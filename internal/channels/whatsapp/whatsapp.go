// Package whatsapp adapts a WhatsApp Web socket to the gateway bus. The
// socket implementation is injected; this package owns normalization,
// linked-state probing, and outbound dispatch.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/store"
)

// credsName is the secret-store entry holding WhatsApp Web credentials.
const credsName = "creds.json"

// Message is one inbound WhatsApp message as the socket reports it.
type Message struct {
	From          string
	ChatJID       string
	PushName      string
	Text          string
	MessageID     string
	Group         bool
	Media         []bus.Media
	MentionedJIDs []string
}

// Socket is the WhatsApp Web session contract. A socket is bound to one
// linked account.
type Socket interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media bus.Media) error
	SendTyping(ctx context.Context, to string) error
	OnMessage(fn func(Message))
}

// Channel is the WhatsApp adapter over an injected socket.
type Channel struct {
	*channels.BaseChannel
	cfg     config.WhatsAppConfig
	socket  Socket
	secrets *store.SecretStore
	dedupe  *channels.Deduper
}

// New creates a WhatsApp adapter. socket may be nil when the channel is
// configured but the web session is not yet linked.
func New(cfg config.WhatsAppConfig, socket Socket, secrets *store.SecretStore, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelWhatsApp, msgBus),
		cfg:         cfg,
		socket:      socket,
		secrets:     secrets,
		dedupe:      channels.NewDeduper(),
	}
}

// Linked requires both stored web credentials and a live socket listener.
func (c *Channel) Linked() bool {
	return c.webAuthExists() && c.socket != nil && c.socket.Connected()
}

func (c *Channel) webAuthExists() bool {
	return c.secrets != nil && c.secrets.Exists(bus.ChannelWhatsApp, credsName)
}

// Start connects the socket and begins forwarding messages.
func (c *Channel) Start(ctx context.Context) error {
	if c.socket == nil {
		slog.Warn("whatsapp enabled but no web session linked")
		return nil
	}
	c.socket.OnMessage(func(m Message) { c.handleMessage(m) })
	if err := c.socket.Connect(ctx); err != nil {
		return fmt.Errorf("connect whatsapp socket: %w", err)
	}
	c.SetRunning(true)
	slog.Info("whatsapp connected")
	return nil
}

// Stop closes the socket.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.socket == nil {
		return nil
	}
	return c.socket.Close()
}

func (c *Channel) handleMessage(m Message) {
	if c.dedupe.Seen(m.MessageID) {
		return
	}
	if m.Text == "" && len(m.Media) == 0 {
		return
	}
	chatType := bus.ChatDirect
	if m.Group {
		chatType = bus.ChatGroup
	}
	c.Bus().PublishInbound(bus.Envelope{
		Channel:     bus.ChannelWhatsApp,
		Provider:    bus.ChannelWhatsApp,
		From:        m.From,
		ChatType:    chatType,
		ChatKey:     m.ChatJID,
		Body:        m.Text,
		RawBody:     m.Text,
		Media:       m.Media,
		Mentions:    m.MentionedJIDs,
		ReceivedAt:  time.Now().UnixNano(),
		MessageID:   m.MessageID,
		SenderLabel: m.PushName,
		Deliver:     true,
	})
}

// Send delivers text and attachments over the socket.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.socket == nil || !c.socket.Connected() {
		return fmt.Errorf("whatsapp socket not connected")
	}
	for _, m := range msg.Media {
		if err := c.socket.SendMedia(ctx, msg.To, m); err != nil {
			return fmt.Errorf("send whatsapp media: %w", err)
		}
	}
	if len(msg.Media) > 0 && msg.Text != "" {
		return nil
	}
	if msg.Text == "" {
		return nil
	}
	if err := c.socket.SendText(ctx, msg.To, msg.Text); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// SendTyping raises the composing presence.
func (c *Channel) SendTyping(ctx context.Context, to, _ string) {
	if c.socket == nil || !c.socket.Connected() {
		return
	}
	_ = c.socket.SendTyping(ctx, to)
}
