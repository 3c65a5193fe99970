// Package telegram connects the gateway to the Telegram Bot API via long
// polling.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
)

// downloadMaxBytes caps inbound media fetched from Telegram.
const downloadMaxBytes = 50 * 1024 * 1024

// Channel is one Telegram bot account.
type Channel struct {
	*channels.BaseChannel
	cfg       config.TelegramConfig
	accountID string
	token     string
	bot       *telego.Bot
	dedupe    *channels.Deduper

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter for one bot token. accountID is empty for
// the default account.
func New(cfg config.TelegramConfig, accountID, token string, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelTelegram, msgBus),
		cfg:         cfg,
		accountID:   accountID,
		token:       token,
		bot:         bot,
		dedupe:      channels.NewDeduper(),
	}, nil
}

// Linked reports whether the bot session is live.
func (c *Channel) Linked() bool { return c.Running() }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram connected", "username", c.bot.Username(), "account", c.accountID)

	go func() {
		defer close(c.pollDone)
		defer c.SetRunning(false)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop to drain.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	messageID := fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)
	if c.dedupe.Seen(messageID) {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	media := c.resolveMedia(ctx, msg)
	if text == "" && len(media) == 0 {
		return
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	chatType := bus.ChatDirect
	if isGroup {
		chatType = bus.ChatGroup
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	label := msg.From.FirstName
	if msg.From.Username != "" {
		label = "@" + msg.From.Username
	}

	var mentions []string
	if botUser := c.bot.Username(); botUser != "" && containsMention(msg, botUser) {
		mentions = append(mentions, "@"+strings.TrimPrefix(botUser, "@"))
	}

	c.Bus().PublishInbound(bus.Envelope{
		Channel:     bus.ChannelTelegram,
		Provider:    bus.ChannelTelegram,
		From:        userID,
		ChatType:    chatType,
		ChatKey:     strconv.FormatInt(msg.Chat.ID, 10),
		AccountID:   c.accountID,
		Body:        text,
		RawBody:     text,
		Media:       media,
		Mentions:    mentions,
		ReceivedAt:  time.Now().UnixNano(),
		MessageID:   messageID,
		SenderLabel: label,
		Deliver:     true,
	})
}

// containsMention checks text and caption entities for an @-mention of the
// bot, including mentions embedded in media captions.
func containsMention(msg *telego.Message, botUsername string) bool {
	needle := "@" + strings.TrimPrefix(strings.ToLower(botUsername), "@")
	if strings.Contains(strings.ToLower(msg.Text), needle) {
		return true
	}
	return strings.Contains(strings.ToLower(msg.Caption), needle)
}

// resolveMedia downloads the attachments worth forwarding to the agent.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []bus.Media {
	var out []bus.Media
	if len(msg.Photo) > 0 {
		// Highest resolution is last.
		photo := msg.Photo[len(msg.Photo)-1]
		if data, err := c.download(ctx, photo.FileID); err == nil {
			out = append(out, bus.Media{
				Kind:      bus.MediaImage,
				Bytes:     data,
				Mime:      "image/jpeg",
				SizeBytes: int64(len(data)),
				Caption:   msg.Caption,
			})
		} else {
			slog.Warn("telegram photo download failed", "error", err)
		}
	}
	if msg.Voice != nil {
		if data, err := c.download(ctx, msg.Voice.FileID); err == nil {
			out = append(out, bus.Media{
				Kind:      bus.MediaAudio,
				Bytes:     data,
				Mime:      msg.Voice.MimeType,
				SizeBytes: int64(len(data)),
			})
		}
	}
	if msg.Document != nil {
		if data, err := c.download(ctx, msg.Document.FileID); err == nil {
			out = append(out, bus.Media{
				Kind:      bus.MediaDocument,
				Bytes:     data,
				Mime:      msg.Document.MimeType,
				SizeBytes: int64(len(data)),
				Caption:   msg.Caption,
			})
		}
	}
	return out
}

func (c *Channel) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for %s", fileID)
	}
	if int64(file.FileSize) > downloadMaxBytes {
		return nil, fmt.Errorf("file too large: %d bytes", file.FileSize)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, downloadMaxBytes))
}

// Send delivers an outbound message, splitting text beyond the Bot API
// limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.To, err)
	}
	id := tu.ID(chatID)

	for _, m := range msg.Media {
		if err := c.sendMedia(ctx, id, m); err != nil {
			return err
		}
	}
	if len(msg.Media) > 0 && msg.Text != "" {
		// Caption already carried on the media send.
		return nil
	}

	text := msg.Text
	const maxLen = 4096
	for len(text) > 0 {
		part := text
		if len(part) > maxLen {
			cut := maxLen
			if idx := strings.LastIndexByte(part[:maxLen], '\n'); idx > maxLen/2 {
				cut = idx + 1
			}
			part = text[:cut]
			text = text[cut:]
		} else {
			text = ""
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(id, part)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (c *Channel) sendMedia(ctx context.Context, id telego.ChatID, m bus.Media) error {
	file := tu.File(tu.NameReader(bytes.NewReader(m.Bytes), mediaFilename(m)))
	switch m.Kind {
	case bus.MediaImage:
		params := tu.Photo(id, file)
		params.Caption = m.Caption
		_, err := c.bot.SendPhoto(ctx, params)
		return err
	case bus.MediaAudio:
		params := tu.Audio(id, file)
		params.Caption = m.Caption
		_, err := c.bot.SendAudio(ctx, params)
		return err
	case bus.MediaVideo:
		params := tu.Video(id, file)
		params.Caption = m.Caption
		_, err := c.bot.SendVideo(ctx, params)
		return err
	default:
		params := tu.Document(id, file)
		params.Caption = m.Caption
		_, err := c.bot.SendDocument(ctx, params)
		return err
	}
}

func mediaFilename(m bus.Media) string {
	switch m.Kind {
	case bus.MediaImage:
		return "image.jpg"
	case bus.MediaAudio:
		return "audio.ogg"
	case bus.MediaVideo:
		return "video.mp4"
	default:
		return "document"
	}
}

// SendTyping raises the typing chat action.
func (c *Channel) SendTyping(ctx context.Context, to, _ string) {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return
	}
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}
