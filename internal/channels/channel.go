// Package channels provides the transport abstraction layer. Adapters
// normalize platform messages into bus envelopes and carry outbound
// payloads back to their platform.
package channels

import (
	"context"

	"github.com/clawdis/clawdis/internal/bus"
)

// Channel is implemented by every transport adapter.
type Channel interface {
	// Name returns the channel identifier ("whatsapp", "telegram", ...).
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Running reports whether the adapter is actively processing messages.
	Running() bool

	// Linked reports whether the provider account is usable (credentials
	// present and a live listener for WhatsApp, connected bot otherwise).
	Linked() bool
}

// TypingChannel is implemented by adapters that can raise a typing
// indicator ahead of the first payload.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, to, accountID string)
}
