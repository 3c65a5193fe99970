package bus

import (
	"context"
	"sync"
)

// MessageBus carries inbound envelopes from transports to the pipeline and
// outbound messages from the pipeline to transports, and fans events out to
// control-plane subscribers.
type MessageBus struct {
	inbound  chan Envelope
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// NewMessageBus creates a bus with bounded queues.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan Envelope, 256),
		outbound: make(chan OutboundMessage, 256),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an inbound envelope. Drops when the queue is full
// rather than blocking a transport reader loop.
func (b *MessageBus) PublishInbound(env Envelope) bool {
	select {
	case b.inbound <- env:
		return true
	default:
		return false
	}
}

// ConsumeInbound blocks until an envelope arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Envelope, bool) {
	select {
	case <-ctx.Done():
		return Envelope{}, false
	case env := <-b.inbound:
		return env, true
	}
}

// PublishOutbound enqueues an outbound message, blocking if the dispatcher
// is behind. Ordering within a session is preserved end-to-end.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeOutbound blocks until an outbound message arrives or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under an id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers an event to every subscriber. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
