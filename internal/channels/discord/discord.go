// Package discord connects the gateway to Discord via gateway events.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
)

// Channel is the Discord bot adapter.
type Channel struct {
	*channels.BaseChannel
	cfg       config.DiscordConfig
	session   *discordgo.Session
	botUserID string
	dedupe    *channels.Deduper
}

// New creates a Discord adapter.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelDiscord, msgBus),
		cfg:         cfg,
		session:     session,
		dedupe:      channels.NewDeduper(),
	}, nil
}

// Linked reports whether the gateway connection is open.
func (c *Channel) Linked() bool { return c.Running() }

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if c.dedupe.Seen(m.ID) {
		return
	}

	isDM := m.GuildID == ""
	chatType := bus.ChatGroup
	if isDM {
		chatType = bus.ChatDirect
	}

	var mentions []string
	for _, u := range m.Mentions {
		mentions = append(mentions, u.ID)
	}

	var media []bus.Media
	for _, att := range m.Attachments {
		data, err := download(att.URL)
		if err != nil {
			slog.Warn("discord attachment download failed", "url", att.URL, "error", err)
			continue
		}
		media = append(media, bus.Media{
			Kind:      kindForMime(att.ContentType),
			Bytes:     data,
			Mime:      att.ContentType,
			SizeBytes: int64(att.Size),
		})
	}

	if m.Content == "" && len(media) == 0 {
		return
	}

	c.Bus().PublishInbound(bus.Envelope{
		Channel:     bus.ChannelDiscord,
		Provider:    bus.ChannelDiscord,
		From:        m.Author.ID,
		ChatType:    chatType,
		ChatKey:     m.ChannelID,
		Body:        m.Content,
		RawBody:     m.Content,
		Media:       media,
		Mentions:    mentions,
		ReplyTo:     referencedID(m),
		ReceivedAt:  time.Now().UnixNano(),
		MessageID:   m.ID,
		SenderLabel: m.Author.Username,
		Deliver:     true,
	})
}

func referencedID(m *discordgo.MessageCreate) string {
	if m.MessageReference != nil {
		return m.MessageReference.MessageID
	}
	return ""
}

func kindForMime(mime string) bus.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return bus.MediaImage
	case strings.HasPrefix(mime, "audio/"):
		return bus.MediaAudio
	case strings.HasPrefix(mime, "video/"):
		return bus.MediaVideo
	default:
		return bus.MediaDocument
	}
}

func download(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
}

// Send delivers an outbound message, chunking text over the 2000-char API
// limit at newline boundaries.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.To == "" {
		return fmt.Errorf("empty discord channel id")
	}

	for _, m := range msg.Media {
		name := "attachment"
		if m.Kind == bus.MediaImage {
			name = "image.jpg"
		}
		_, err := c.session.ChannelMessageSendComplex(msg.To, &discordgo.MessageSend{
			Content: m.Caption,
			Files: []*discordgo.File{{
				Name:        name,
				ContentType: m.Mime,
				Reader:      bytes.NewReader(m.Bytes),
			}},
		})
		if err != nil {
			return fmt.Errorf("send discord attachment: %w", err)
		}
	}
	if len(msg.Media) > 0 && msg.Text != "" {
		return nil
	}

	const maxLen = 2000
	content := msg.Text
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(msg.To, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendTyping raises the channel typing indicator.
func (c *Channel) SendTyping(_ context.Context, to, _ string) {
	_ = c.session.ChannelTyping(to)
}
