// Package gateway runs the control-plane WebSocket server and the inbound
// message pipeline that connects transports to the agent runtime.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/clawdis/clawdis/internal/activation"
	"github.com/clawdis/clawdis/internal/agentrt"
	"github.com/clawdis/clawdis/internal/bridge"
	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/webchat"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/delivery"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// tokenSubprotocolPrefix carries the auth token in the WS subprotocol, for
// clients that cannot set headers before the first frame.
const tokenSubprotocolPrefix = "clawdis-token."

// Server is the control-plane server plus pipeline wiring.
type Server struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	sessions   *store.SessionStore
	nodes      *store.NodeStore
	cronStore  *store.CronStore
	cronSvc    *cron.Service
	bridge     *bridge.Server
	manager    *channels.Manager
	webchat    *webchat.Channel
	activation *activation.Pipeline
	sched      *scheduler.Scheduler
	adapter    *agentrt.Adapter
	deliverer  *delivery.Deliverer
	heartbeat  *heartbeat.Service

	configPath string

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu      sync.RWMutex
	clients map[string]*Client

	servers []*http.Server

	startedAt time.Time
}

// Deps bundles the pipeline components the server fronts.
type Deps struct {
	Bus        *bus.MessageBus
	Sessions   *store.SessionStore
	Nodes      *store.NodeStore
	CronStore  *store.CronStore
	CronSvc    *cron.Service
	Bridge     *bridge.Server
	Manager    *channels.Manager
	WebChat    *webchat.Channel
	Activation *activation.Pipeline
	Scheduler  *scheduler.Scheduler
	Adapter    *agentrt.Adapter
	Deliverer  *delivery.Deliverer
	Heartbeat  *heartbeat.Service
	ConfigPath string
}

// NewServer creates a gateway server over assembled components.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		bus:        deps.Bus,
		sessions:   deps.Sessions,
		nodes:      deps.Nodes,
		cronStore:  deps.CronStore,
		cronSvc:    deps.CronSvc,
		bridge:     deps.Bridge,
		manager:    deps.Manager,
		webchat:    deps.WebChat,
		activation: deps.Activation,
		sched:      deps.Scheduler,
		adapter:    deps.Adapter,
		deliverer:  deps.Deliverer,
		heartbeat:  deps.Heartbeat,
		configPath: deps.ConfigPath,
		clients:    make(map[string]*Client),
		startedAt:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origin gating is meaningless for loopback CLI clients.
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{"clawdis"},
	}
	if rpm := cfg.Snapshot().Gateway.RateLimitRPM; rpm > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return s
}

// Start opens the loopback listener and, when configured, the LAN listener.
func (s *Server) Start(ctx context.Context) error {
	snap := s.cfg.Snapshot()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", snap.Gateway.Host, snap.Gateway.Port)
	if err := s.listen(ctx, addr, mux); err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", addr)

	if snap.Gateway.LanHost != "" && snap.Gateway.LanPort > 0 {
		lanAddr := fmt.Sprintf("%s:%d", snap.Gateway.LanHost, snap.Gateway.LanPort)
		if err := s.listen(ctx, lanAddr, mux); err != nil {
			slog.Warn("lan listener failed", "addr", lanAddr, "error", err)
		} else {
			slog.Info("gateway lan listener up", "addr", lanAddr)
		}
	}
	return nil
}

func (s *Server) listen(ctx context.Context, addr string, mux *http.ServeMux) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	s.servers = append(s.servers, srv)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server failed", "addr", addr, "error", err)
		}
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Snapshot().Gateway.Token

	authorized := false
	var acceptProto string
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, tokenSubprotocolPrefix) {
			if token != "" && strings.TrimPrefix(proto, tokenSubprotocolPrefix) == token {
				authorized = true
				acceptProto = proto
			}
		}
	}

	if token == "" {
		// Without a configured token only loopback peers may connect.
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "token required for non-loopback connections", http.StatusForbidden)
			return
		}
		authorized = true
	}

	var header http.Header
	if acceptProto != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{acceptProto}}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s, authorized)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// Shutdown drains every HTTP listener. Safe to call alongside context
// cancellation; http.Server.Shutdown is idempotent.
func (s *Server) Shutdown(ctx context.Context) {
	for _, srv := range s.servers {
		_ = srv.Shutdown(ctx)
	}
}

// BroadcastEvent fans an event frame out to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}
