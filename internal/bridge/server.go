package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

const (
	mdnsService = "_clawdis-bridge._tcp"

	pingInterval   = 20 * time.Second
	idleDisconnect = 60 * time.Second

	// DefaultInvokeTimeout bounds bridge.invoke when no per-call override is
	// given.
	DefaultInvokeTimeout = 30 * time.Second

	maxLineBytes = 1 << 20
)

// Server accepts paired-node connections and fans commands out to them.
type Server struct {
	cfg      *config.Config
	nodes    *store.NodeStore
	bus      *bus.MessageBus
	prompt   OperatorPrompt
	Pairings *PairingRegistry

	mu    sync.Mutex
	conns map[string]*nodeConn

	ln      net.Listener
	mdnsSrv *mdns.Server
	cancel  context.CancelFunc
}

// NewServer creates the bridge. When prompt is nil the built-in pairing
// registry (driven by nodes.approve/nodes.reject) is used.
func NewServer(cfg *config.Config, nodes *store.NodeStore, b *bus.MessageBus, prompt OperatorPrompt) *Server {
	reg := NewPairingRegistry()
	if prompt == nil {
		prompt = reg
	}
	return &Server{
		cfg:      cfg,
		nodes:    nodes,
		bus:      b,
		prompt:   prompt,
		Pairings: reg,
		conns:    make(map[string]*nodeConn),
	}
}

// Start opens the TCP listener and, when configured, the mDNS advertisement.
func (s *Server) Start(ctx context.Context) error {
	snap := s.cfg.Snapshot()
	if !snap.Bridge.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", snap.Bridge.Host, snap.Bridge.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", addr, err)
	}
	s.ln = ln
	ctx, s.cancel = context.WithCancel(ctx)

	if snap.Bridge.MDNS {
		if err := s.advertise(snap.Bridge.Port); err != nil {
			slog.Warn("mdns advertise failed", "error", err)
		}
	}

	s.Pairings.OnPending = func(req PairRequest) {
		s.bus.Broadcast(bus.Event{Name: protocol.EventPairingPending, Payload: req})
	}

	go s.acceptLoop(ctx)
	slog.Info("bridge listening", "addr", addr, "mdns", snap.Bridge.MDNS)
	return nil
}

// Stop closes the listener, the advertisement, and all node connections.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.mdnsSrv != nil {
		_ = s.mdnsSrv.Shutdown()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) advertise(port int) error {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "clawdis"
	}
	svc, err := mdns.NewMDNSService(host, mdnsService, "", "", port, nil, []string{"v=" + fmt.Sprint(protocol.ProtocolVersion)})
	if err != nil {
		return err
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return err
	}
	s.mdnsSrv = srv
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bridge accept failed", "error", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

// nodeConn is one live node connection.
type nodeConn struct {
	conn   net.Conn
	nodeID string

	writeMu sync.Mutex

	invMu   sync.Mutex
	invokes map[string]chan frame

	lastSeen time.Time
	seenMu   sync.Mutex
}

func (c *nodeConn) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *nodeConn) touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

func (c *nodeConn) idleSince() time.Duration {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return time.Since(c.lastSeen)
}

func (s *Server) handle(ctx context.Context, raw net.Conn) {
	c := &nodeConn{conn: raw, invokes: make(map[string]chan frame)}
	c.touch()
	defer s.drop(c)

	go s.pingLoop(ctx, c)

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.touch()
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			_ = c.send(frame{Type: frameAuthError, Code: CodeInvalidRequest, Message: "malformed frame"})
			continue
		}
		if !s.dispatch(c, f) {
			return
		}
	}
}

// dispatch handles one frame; returns false to drop the connection.
func (s *Server) dispatch(c *nodeConn, f frame) bool {
	switch f.Type {
	case frameHello:
		return s.handleHello(c, f)
	case framePair:
		return s.handlePair(c, f)
	case frameInvokeResult:
		c.invMu.Lock()
		ch, ok := c.invokes[f.ID]
		if ok {
			delete(c.invokes, f.ID)
		}
		c.invMu.Unlock()
		if ok {
			ch <- f
		}
		return true
	case frameEvent:
		s.handleEvent(c, f)
		return true
	case framePing:
		_ = c.send(frame{Type: framePong})
		return true
	case framePong:
		return true
	default:
		_ = c.send(frame{Type: frameAuthError, Code: CodeInvalidRequest, Message: "unknown frame type " + f.Type})
		return true
	}
}

func (s *Server) handleHello(c *nodeConn, f frame) bool {
	nodeID := strings.TrimSpace(f.NodeID)
	if nodeID == "" {
		_ = c.send(frame{Type: frameAuthError, Code: CodeInvalidRequest, Message: "empty nodeId"})
		return false
	}
	rec, known := s.nodes.Get(nodeID)
	if !known || f.Token == "" || f.Token != rec.Token {
		// Unknown node or token mismatch against a known node.
		if known && f.Token != "" {
			_ = c.send(frame{Type: frameAuthError, Code: CodeUnauthorized, Message: "token mismatch"})
			return false
		}
		_ = c.send(frame{Type: frameNotPaired})
		return true
	}

	// Refresh the record with what the node reports about itself.
	rec.DisplayName = firstNonEmpty(f.DisplayName, rec.DisplayName)
	rec.Platform = firstNonEmpty(f.Platform, rec.Platform)
	rec.Version = firstNonEmpty(f.Version, rec.Version)
	rec.DeviceFamily = firstNonEmpty(f.DeviceFamily, rec.DeviceFamily)
	rec.ModelIdentifier = firstNonEmpty(f.ModelIdentifier, rec.ModelIdentifier)
	if len(f.Caps) > 0 {
		rec.Caps = rec.Caps[:0]
		for _, cap := range f.Caps {
			rec.Caps = append(rec.Caps, store.NodeCap(cap))
		}
	}
	if len(f.Commands) > 0 {
		rec.Commands = f.Commands
	}
	if err := s.nodes.Put(rec); err != nil {
		slog.Warn("node record update failed", "node", nodeID, "error", err)
	}
	_ = s.nodes.TouchSeen(nodeID)

	c.nodeID = nodeID
	s.register(c)
	_ = c.send(frame{Type: frameAuthOK})
	return true
}

func (s *Server) handlePair(c *nodeConn, f frame) bool {
	nodeID := strings.TrimSpace(f.NodeID)
	if nodeID == "" {
		_ = c.send(frame{Type: frameAuthError, Code: CodeInvalidRequest, Message: "empty nodeId"})
		return false
	}
	_, repair := s.nodes.Get(nodeID)
	req := PairRequest{
		NodeID:      nodeID,
		DisplayName: f.DisplayName,
		Platform:    f.Platform,
		Version:     f.Version,
		Repair:      repair,
	}
	if !s.prompt.PromptPair(req) {
		_ = c.send(frame{Type: frameAuthError, Code: CodeUnauthorized, Message: "pairing rejected"})
		return false
	}

	token, err := store.NewNodeToken()
	if err != nil {
		_ = c.send(frame{Type: frameAuthError, Code: CodeUnauthorized, Message: "token generation failed"})
		return false
	}
	now := time.Now().UnixMilli()
	rec := store.PairedNode{
		NodeID:          nodeID,
		DisplayName:     f.DisplayName,
		Platform:        f.Platform,
		Version:         f.Version,
		DeviceFamily:    f.DeviceFamily,
		ModelIdentifier: f.ModelIdentifier,
		Token:           token,
		Commands:        f.Commands,
		CreatedAtMs:     now,
		LastSeenAtMs:    now,
	}
	for _, cap := range f.Caps {
		rec.Caps = append(rec.Caps, store.NodeCap(cap))
	}
	if err := s.nodes.Put(rec); err != nil {
		slog.Error("pairing persist failed", "node", nodeID, "error", err)
		_ = c.send(frame{Type: frameAuthError, Code: CodeUnauthorized, Message: "pairing persist failed"})
		return false
	}

	c.nodeID = nodeID
	s.register(c)
	_ = c.send(frame{Type: frameAuthOK, Token: token})
	slog.Info("node paired", "node", nodeID, "repair", repair)
	return true
}

// handleEvent routes node-pushed events. voice.transcript becomes a
// synthetic inbound envelope on the node channel.
func (s *Server) handleEvent(c *nodeConn, f frame) {
	if c.nodeID == "" {
		return
	}
	switch f.Event {
	case "voice.transcript":
		var payload struct {
			Text       string `json:"text"`
			SessionKey string `json:"sessionKey,omitempty"`
			Deliver    bool   `json:"deliver"`
		}
		if err := json.Unmarshal(f.PayloadJSON, &payload); err != nil || payload.Text == "" {
			return
		}
		from := "node-" + c.nodeID
		if payload.SessionKey != "" {
			from = payload.SessionKey
		}
		s.bus.PublishInbound(bus.Envelope{
			Channel:    bus.ChannelNode,
			Provider:   bus.ChannelNode,
			From:       from,
			ChatType:   bus.ChatDirect,
			ChatKey:    from,
			Body:       payload.Text,
			RawBody:    payload.Text,
			ReceivedAt: time.Now().UnixNano(),
			MessageID:  uuid.NewString(),
			Deliver:    payload.Deliver,
		})
	default:
		s.bus.Broadcast(bus.Event{Name: f.Event, Payload: f.PayloadJSON})
	}
}

func (s *Server) register(c *nodeConn) {
	s.mu.Lock()
	if old, ok := s.conns[c.nodeID]; ok && old != c {
		_ = old.conn.Close()
	}
	s.conns[c.nodeID] = c
	s.mu.Unlock()
	s.bus.Broadcast(bus.Event{Name: protocol.EventPresence, Payload: protocol.PresenceEvent{NodeID: c.nodeID, State: "connected"}})
}

func (s *Server) drop(c *nodeConn) {
	_ = c.conn.Close()
	c.invMu.Lock()
	for id, ch := range c.invokes {
		delete(c.invokes, id)
		close(ch)
	}
	c.invMu.Unlock()
	if c.nodeID == "" {
		return
	}
	s.mu.Lock()
	if cur, ok := s.conns[c.nodeID]; ok && cur == c {
		delete(s.conns, c.nodeID)
		s.mu.Unlock()
		_ = s.nodes.TouchSeen(c.nodeID)
		s.bus.Broadcast(bus.Event{Name: protocol.EventPresence, Payload: protocol.PresenceEvent{NodeID: c.nodeID, State: "disconnected"}})
		return
	}
	s.mu.Unlock()
}

func (s *Server) pingLoop(ctx context.Context, c *nodeConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.idleSince() > idleDisconnect {
				slog.Debug("dropping idle node connection", "node", c.nodeID)
				_ = c.conn.Close()
				return
			}
			if err := c.send(frame{Type: framePing}); err != nil {
				return
			}
		}
	}
}

// Connected lists the nodeIds with a live connection.
func (s *Server) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// Invoke sends a command to a connected node and waits for its result.
// Timeout <= 0 uses the default. Undeclared commands pass through; the node
// enforces its own command set.
func (s *Server) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	c, ok := s.conns[nodeID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: node %s not connected", CodeUnavailable, nodeID)
	}
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.invMu.Lock()
	c.invokes[id] = ch
	c.invMu.Unlock()

	if err := c.send(frame{Type: frameInvoke, ID: id, Command: command, ParamsJSON: params}); err != nil {
		c.invMu.Lock()
		delete(c.invokes, id)
		c.invMu.Unlock()
		return nil, fmt.Errorf("%s: %w", CodeUnavailable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.invMu.Lock()
		delete(c.invokes, id)
		c.invMu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		c.invMu.Lock()
		delete(c.invokes, id)
		c.invMu.Unlock()
		return nil, fmt.Errorf("%s: invoke %s timed out after %s", CodeTimeout, command, timeout)
	case res, open := <-ch:
		if !open {
			return nil, fmt.Errorf("%s: connection lost", CodeUnavailable)
		}
		if !res.OK {
			msg := res.Error
			if msg == "" {
				msg = "invoke failed"
			}
			return nil, fmt.Errorf("node %s: %s", nodeID, msg)
		}
		return res.ResultJSON, nil
	}
}

// SendEvent pushes a fire-and-forget event frame to a connected node.
func (s *Server) SendEvent(nodeID, event string, payload json.RawMessage) error {
	s.mu.Lock()
	c, ok := s.conns[nodeID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: node %s not connected", CodeUnavailable, nodeID)
	}
	return c.send(frame{Type: frameEvent, Event: event, PayloadJSON: payload})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
