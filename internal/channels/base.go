package channels

import (
	"sync"

	"github.com/clawdis/clawdis/internal/bus"
)

// BaseChannel carries the state every adapter shares. Adapters embed it.
type BaseChannel struct {
	name string
	bus  *bus.MessageBus

	mu      sync.Mutex
	running bool
}

// NewBaseChannel creates the shared adapter state.
func NewBaseChannel(name string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Bus returns the message bus.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// Running reports the adapter state.
func (c *BaseChannel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning updates the adapter state.
func (c *BaseChannel) SetRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

// dedupeWindow bounds how many recent message ids each adapter remembers.
const dedupeWindow = 512

// Deduper drops redelivered platform messages by messageId.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewDeduper creates an empty dedupe ring.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Seen records id and reports whether it was already recorded. Empty ids are
// never deduplicated.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupeWindow {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
