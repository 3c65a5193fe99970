// Package webchat surfaces the gateway's built-in chat over the control
// plane: inbound arrives via the chat.send RPC, outbound is broadcast as
// chat events to subscribed clients.
package webchat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// Channel is the WebChat adapter. It has no external connection; the
// control-plane server is its transport.
type Channel struct {
	*channels.BaseChannel
}

// New creates the WebChat adapter.
func New(msgBus *bus.MessageBus) *Channel {
	return &Channel{BaseChannel: channels.NewBaseChannel(bus.ChannelWebChat, msgBus)}
}

// Linked is true while running; there are no external credentials.
func (c *Channel) Linked() bool { return c.Running() }

// Start marks the adapter live.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop marks the adapter stopped.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Inject publishes a control-plane chat message as an inbound envelope.
// Returns the assigned messageId.
func (c *Channel) Inject(from, body string, media []bus.Media) string {
	id := uuid.NewString()
	c.Bus().PublishInbound(bus.Envelope{
		Channel:    bus.ChannelWebChat,
		Provider:   bus.ChannelWebChat,
		From:       from,
		ChatType:   bus.ChatDirect,
		ChatKey:    from,
		Body:       body,
		RawBody:    body,
		Media:      media,
		ReceivedAt: time.Now().UnixNano(),
		MessageID:  id,
		Deliver:    true,
	})
	return id
}

// Send broadcasts the payload to control-plane subscribers.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.Bus().Broadcast(bus.Event{
		Name: protocol.EventChat,
		Payload: protocol.ChatEvent{
			State: protocol.RunFinal,
			Text:  msg.Text,
		},
	})
	return nil
}
