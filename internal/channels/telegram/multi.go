package telegram

import (
	"context"
	"fmt"
	"sort"

	"github.com/clawdis/clawdis/internal/bus"
)

// Multi routes one logical "telegram" channel across several bot accounts.
// Outbound messages pick their bot by AccountID; the default account has the
// empty id.
type Multi struct {
	accounts map[string]*Channel
}

// NewMulti wraps per-account adapters into one channel.
func NewMulti(accounts map[string]*Channel) *Multi {
	return &Multi{accounts: accounts}
}

func (m *Multi) Name() string { return bus.ChannelTelegram }

// Start starts every account, in stable order so logs are reproducible.
func (m *Multi) Start(ctx context.Context) error {
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var firstErr error
	for _, id := range ids {
		if err := m.accounts[id].Start(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("telegram account %q: %w", id, err)
		}
	}
	return firstErr
}

func (m *Multi) Stop(ctx context.Context) error {
	var firstErr error
	for _, ch := range m.accounts {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Running reports whether any account is polling.
func (m *Multi) Running() bool {
	for _, ch := range m.accounts {
		if ch.Running() {
			return true
		}
	}
	return false
}

func (m *Multi) Linked() bool { return m.Running() }

func (m *Multi) resolve(accountID string) (*Channel, error) {
	if ch, ok := m.accounts[accountID]; ok {
		return ch, nil
	}
	// Unknown account ids fall back to the default bot.
	if ch, ok := m.accounts[""]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("no telegram account for id %q", accountID)
}

// Send routes to the account the conversation arrived on.
func (m *Multi) Send(ctx context.Context, msg bus.OutboundMessage) error {
	ch, err := m.resolve(msg.AccountID)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// SendTyping routes the typing action to the owning account.
func (m *Multi) SendTyping(ctx context.Context, to, accountID string) {
	ch, err := m.resolve(accountID)
	if err != nil {
		return
	}
	ch.SendTyping(ctx, to, accountID)
}
