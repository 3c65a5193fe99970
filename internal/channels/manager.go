package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawdis/clawdis/internal/bus"
)

// Manager owns adapter lifecycle and routes outbound bus messages to the
// right adapter.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	cancel   context.CancelFunc
}

// NewManager creates a manager; adapters are added via Register before
// StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// Register adds an adapter.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every adapter concurrently plus the outbound dispatcher.
// Adapter start failures are logged, not fatal; the rest of the gateway keeps
// running.
func (m *Manager) StartAll(ctx context.Context) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.dispatchOutbound(dispatchCtx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var g errgroup.Group
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				slog.Error("channel start failed", "channel", name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// StopAll stops the dispatcher and every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := ch.Send(sendCtx, msg); err != nil {
			slog.Error("outbound send failed", "channel", msg.Channel, "to", msg.To, "error", err)
		}
		cancel()
	}
}

// Linked reports whether a channel's provider is linked; unknown channels
// are not. Satisfies the heartbeat provider probe.
func (m *Manager) Linked(channel string) bool {
	ch, ok := m.Get(channel)
	return ok && ch.Linked()
}

// SendTyping raises a typing indicator on channels that support it.
// Satisfies the delivery typing notifier.
func (m *Manager) SendTyping(channel, to, accountID string) {
	ch, ok := m.Get(channel)
	if !ok {
		return
	}
	tc, ok := ch.(TypingChannel)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tc.SendTyping(ctx, to, accountID)
}

// Health summarizes adapter state for the health RPC.
func (m *Manager) Health() map[string]map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = map[string]bool{
			"running": ch.Running(),
			"linked":  ch.Linked(),
		}
	}
	return out
}
