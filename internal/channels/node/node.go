// Package node delivers gateway replies to paired nodes over the bridge.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
)

// Bridge is the subset of the bridge server this adapter needs.
type Bridge interface {
	Connected() []string
	SendEvent(nodeID, event string, payload json.RawMessage) error
}

// Channel routes chat replies back to nodes as chat.reply events. Inbound
// traffic (voice transcripts) enters through the bridge directly.
type Channel struct {
	*channels.BaseChannel
	bridge Bridge
}

// New creates the node adapter over a running bridge.
func New(bridge Bridge, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelNode, msgBus),
		bridge:      bridge,
	}
}

// Linked is true while any node is connected.
func (c *Channel) Linked() bool {
	return c.Running() && len(c.bridge.Connected()) > 0
}

// Start marks the adapter live; the bridge owns the listener.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop marks the adapter stopped.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send pushes the reply to the target node. The To field carries the
// node-<nodeId> addressing used by synthetic envelopes.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	nodeID := strings.TrimPrefix(msg.To, "node-")
	if nodeID == "" {
		return fmt.Errorf("empty node id")
	}
	payload, err := json.Marshal(map[string]string{"text": msg.Text})
	if err != nil {
		return err
	}
	return c.bridge.SendEvent(nodeID, "chat.reply", payload)
}
