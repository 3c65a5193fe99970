// Package bus defines the normalized message types flowing between transport
// adapters, the scheduler, and outbound delivery, plus the in-process event
// publisher used by the control-plane server.
package bus

import "context"

// Channel identifiers for every supported transport.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWebChat  = "webchat"
	ChannelNode     = "node"
)

// ChatType distinguishes direct chats, groups, and broadcast channels.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// MediaKind classifies an inbound or outbound attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media is one attachment on an Envelope or OutboundMessage.
// Either Bytes or URL is set, never both.
type Media struct {
	Kind      MediaKind `json:"kind"`
	Bytes     []byte    `json:"bytes,omitempty"`
	URL       string    `json:"url,omitempty"`
	Mime      string    `json:"mime,omitempty"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	Caption   string    `json:"caption,omitempty"`
}

// Envelope is an inbound message normalized across transports.
// Body has timestamp prefixes, quote headers, and markup stripped so the
// directive parser sees clean text; RawBody keeps the original.
type Envelope struct {
	Channel    string   `json:"channel"`
	Provider   string   `json:"provider"`
	From       string   `json:"from"`
	ChatType   ChatType `json:"chatType"`
	ChatKey    string   `json:"chatKey"`
	AccountID  string   `json:"accountId,omitempty"`
	Body       string   `json:"body"`
	RawBody    string   `json:"rawBody"`
	Media      []Media  `json:"media,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
	ReplyTo    string   `json:"replyTo,omitempty"`
	ReceivedAt int64    `json:"receivedAt"` // monotonic nanos
	MessageID  string   `json:"messageId"`

	// SenderLabel is a human-readable sender name used for attribution when
	// queued messages merge into one prompt.
	SenderLabel string `json:"senderLabel,omitempty"`

	// Deliver false means the reply is display-only (node voice transcripts).
	Deliver bool `json:"deliver"`
}

// Mentioned reports whether any of the given identifiers was @-addressed.
func (e *Envelope) Mentioned(ids ...string) bool {
	for _, want := range ids {
		if want == "" {
			continue
		}
		for _, m := range e.Mentions {
			if m == want {
				return true
			}
		}
	}
	return false
}

// OutboundMessage is a reply headed for a transport adapter.
type OutboundMessage struct {
	Channel   string  `json:"channel"`
	Provider  string  `json:"provider,omitempty"`
	To        string  `json:"to"`
	AccountID string  `json:"accountId,omitempty"`
	Text      string  `json:"text"`
	Media     []Media `json:"media,omitempty"`
}

// Event is a server-side event broadcast to control-plane subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so components never
// hold a reference back to the gateway server.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Sender delivers outbound messages. Implemented by the channel manager.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}
