package delivery

import (
	"log/slog"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
)

// TypingNotifier raises a typing indicator on a transport. Implementations
// must tolerate unsupported channels silently.
type TypingNotifier interface {
	SendTyping(channel, to, accountID string)
}

// Deliverer publishes final agent output to the outbound bus. Streaming
// deltas never pass through here; external surfaces receive only final
// payloads.
type Deliverer struct {
	cfg    *config.Config
	bus    *bus.MessageBus
	typing TypingNotifier
}

// New creates a deliverer. typing may be nil.
func New(cfg *config.Config, b *bus.MessageBus, typing TypingNotifier) *Deliverer {
	return &Deliverer{cfg: cfg, bus: b, typing: typing}
}

// Deliver chunks and publishes text plus attachments to one destination.
// The typing indicator is raised when the first payload is produced.
func (d *Deliverer) Deliver(channel, provider, to, accountID, text string, media []bus.Media) {
	text = StripThink(text)
	if text == "" && len(media) == 0 {
		return
	}
	if d.typing != nil {
		d.typing.SendTyping(channel, to, accountID)
	}

	max := d.chunkChars(channel)
	for _, part := range Chunk(text, max) {
		if part == "" {
			continue
		}
		d.bus.PublishOutbound(bus.OutboundMessage{
			Channel:   channel,
			Provider:  provider,
			To:        to,
			AccountID: accountID,
			Text:      part,
		})
	}

	for _, m := range media {
		if err := CheckMedia(m); err != nil {
			slog.Warn("dropping oversized attachment", "channel", channel, "error", err)
			d.bus.PublishOutbound(bus.OutboundMessage{
				Channel:   channel,
				Provider:  provider,
				To:        to,
				AccountID: accountID,
				Text:      DegradeCaption(m),
			})
			continue
		}
		d.bus.PublishOutbound(bus.OutboundMessage{
			Channel:   channel,
			Provider:  provider,
			To:        to,
			AccountID: accountID,
			Media:     []bus.Media{m},
			Text:      m.Caption,
		})
	}
}

func (d *Deliverer) chunkChars(channel string) int {
	if cc := d.cfg.ChannelCommonFor(channel); cc.MaxChunkChars > 0 {
		return cc.MaxChunkChars
	}
	return DefaultChunkChars
}
