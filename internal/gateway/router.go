package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// dispatch routes one request frame. The first frame of an unauthorized
// client must be a hello carrying the token.
func (s *Server) dispatch(ctx context.Context, c *Client, req protocol.RequestFrame) *protocol.ResponseFrame {
	if !c.Authorized() {
		return s.handleHello(c, req)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded")
	}

	switch req.Method {
	case protocol.MethodHello:
		return s.handleHello(c, req)
	case protocol.MethodHealth:
		return s.handleHealthRPC(req)
	case protocol.MethodStatus:
		return s.handleStatus(req)
	case protocol.MethodSend:
		return s.handleSend(ctx, req)
	case protocol.MethodAgent, protocol.MethodChatSend:
		return s.handleAgent(req)
	case protocol.MethodChatHistory:
		return s.handleChatHistory(req)
	case protocol.MethodConfigGet:
		return protocol.NewResponse(req.ID, s.cfg.Snapshot())
	case protocol.MethodConfigSet:
		return s.handleConfigSet(req)
	case protocol.MethodNodesList:
		return s.handleNodesList(req)
	case protocol.MethodNodesPending:
		return protocol.NewResponse(req.ID, s.bridge.Pairings.Pending())
	case protocol.MethodNodesApprove:
		return s.handlePairingDecision(req, true)
	case protocol.MethodNodesReject:
		return s.handlePairingDecision(req, false)
	case protocol.MethodNodesInvoke:
		return s.handleNodesInvoke(ctx, req)
	case protocol.MethodCronList:
		return protocol.NewResponse(req.ID, s.cronStore.List())
	case protocol.MethodCronAdd:
		return s.handleCronAdd(req)
	case protocol.MethodCronRemove:
		return s.handleCronRemove(req)
	case protocol.MethodCronRunNow:
		return s.handleCronRunNow(req)
	case protocol.MethodHeartbeat:
		return s.handleHeartbeat(req)
	case protocol.MethodSystemEvent:
		return s.handleSystemEvent(req)
	case protocol.MethodModelsList:
		return s.handleModelsList(req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method "+req.Method)
	}
}

func (s *Server) handleHello(c *Client, req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Token string `json:"token"`
	}
	if req.Method != protocol.MethodHello {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "hello with token required")
	}
	_ = json.Unmarshal(req.Params, &params)
	token := s.cfg.Snapshot().Gateway.Token
	if token != "" && params.Token != token {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "bad token")
	}
	c.setAuthorized()
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
	})
}

func (s *Server) handleHealthRPC(req protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"ok":        true,
		"providers": s.manager.Health(),
	})
}

func (s *Server) handleStatus(req protocol.RequestFrame) *protocol.ResponseFrame {
	snap := s.cfg.Snapshot()
	heartbeats := map[string]string{}
	for _, ch := range []string{"whatsapp", "telegram", "discord", "webchat", "node"} {
		if hb := snap.ChannelCommonFor(ch).Heartbeat; hb != nil && hb.Every != "" {
			heartbeats[ch] = hb.Every
		}
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"sessions":   s.sessions.Count(),
		"inFlight":   s.sched.InFlight(),
		"heartbeats": heartbeats,
		"uptimeSec":  int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleSend(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		To       string      `json:"to"`
		Message  string      `json:"message"`
		Channel  string      `json:"channel,omitempty"`
		Provider string      `json:"provider,omitempty"`
		Media    []bus.Media `json:"media,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.To == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "send requires to and message")
	}
	channel := params.Channel
	if channel == "" {
		channel = s.lastChannel()
	}
	if channel == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no channel available")
	}
	provider := params.Provider
	if provider == "" {
		provider = channel
	}
	s.deliverer.Deliver(channel, provider, params.To, "", params.Message, params.Media)
	return protocol.NewResponse(req.ID, map[string]string{"messageId": uuid.NewString()})
}

func (s *Server) lastChannel() string {
	snap := s.cfg.Snapshot()
	sess, ok := s.sessions.Get(sessions.BuildMain(snap.Agent.ID, snap.Session.MainKey))
	if !ok {
		return ""
	}
	return sess.LastChannel
}

func (s *Server) handleAgent(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		SessionKey string `json:"sessionKey,omitempty"`
		Message    string `json:"message"`
		Thinking   string `json:"thinking,omitempty"`
		Deliver    *bool  `json:"deliver,omitempty"`
		To         string `json:"to,omitempty"`
		Channel    string `json:"channel,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agent requires message")
	}
	snap := s.cfg.Snapshot()
	key := params.SessionKey
	if key == "" {
		key = sessions.BuildMain(snap.Agent.ID, snap.Session.MainKey)
	}

	sess := s.sessions.GetOrCreate(key)
	thinking := sess.ThinkingLevel
	if store.ValidThinkingLevel(params.Thinking) {
		thinking = store.ThinkingLevel(params.Thinking)
	}

	origin := scheduler.Origin{Deliver: false}
	if params.Deliver != nil && *params.Deliver {
		channel := params.Channel
		if channel == "" {
			channel = sess.LastChannel
		}
		to := params.To
		if to == "" {
			to = sess.LastTo
		}
		if channel == "" || to == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no delivery target for session")
		}
		origin = scheduler.Origin{Channel: channel, Provider: channel, To: to, Deliver: true}
	}

	run := s.sched.Submit(scheduler.Request{
		SessionKey: key,
		Body:       params.Message,
		Mode:       s.cfg.QueueModeFor(bus.ChannelWebChat),
		Thinking:   thinking,
		Verbose:    sess.Verbose,
		Model:      sess.Model,
		Origin:     origin,
	})
	runID := ""
	if run != nil {
		runID = run.ID
	}
	return protocol.NewResponse(req.ID, map[string]string{"runId": runID, "sessionKey": key})
}

func (s *Server) handleChatHistory(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "chat.history requires sessionKey")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.sessions.ReadTranscript(params.SessionKey, limit)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{"messages": entries})
}

func (s *Server) handleConfigSet(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Patch json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.Patch) == 0 {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "config.set requires patch")
	}
	if err := config.ApplyPatch(s.cfg, s.configPath, params.Patch); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleNodesList(req protocol.RequestFrame) *protocol.ResponseFrame {
	connected := map[string]bool{}
	for _, id := range s.bridge.Connected() {
		connected[id] = true
	}
	type nodeView struct {
		store.PairedNode
		Connected bool `json:"connected"`
	}
	var out []nodeView
	for _, n := range s.nodes.List() {
		out = append(out, nodeView{PairedNode: n.Redacted(), Connected: connected[n.NodeID]})
	}
	return protocol.NewResponse(req.ID, out)
}

func (s *Server) handlePairingDecision(req protocol.RequestFrame, approve bool) *protocol.ResponseFrame {
	var params struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.NodeID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodeId required")
	}
	var ok bool
	if approve {
		ok = s.bridge.Pairings.Approve(params.NodeID)
	} else {
		ok = s.bridge.Pairings.Reject(params.NodeID)
	}
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no pending pairing for "+params.NodeID)
	}
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleNodesInvoke(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		NodeID     string          `json:"nodeId"`
		Command    string          `json:"command"`
		ParamsJSON json.RawMessage `json:"paramsJSON,omitempty"`
		TimeoutMs  int             `json:"timeoutMs,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.NodeID == "" || params.Command == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "nodes.invoke requires nodeId and command")
	}
	if node, ok := s.nodes.Get(params.NodeID); ok && !node.SupportsCommand(params.Command) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnsupported, "node does not declare command "+params.Command)
	}
	timeout := time.Duration(params.TimeoutMs) * time.Millisecond
	result, err := s.bridge.Invoke(ctx, params.NodeID, params.Command, params.ParamsJSON, timeout)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{"result": result})
}

func (s *Server) handleCronAdd(req protocol.RequestFrame) *protocol.ResponseFrame {
	var job store.CronJob
	if err := json.Unmarshal(req.Params, &job); err != nil || job.Expr == "" || job.Message == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "cron.add requires expr and message")
	}
	if err := s.cronSvc.Validate(job.Expr); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	added, err := s.cronStore.Add(job)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, added)
}

func (s *Server) handleCronRemove(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "cron.remove requires id")
	}
	ok, err := s.cronStore.Remove(params.ID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "unknown cron job "+params.ID)
	}
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleCronRunNow(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "cron.runNow requires id")
	}
	job, ok := s.cronStore.Get(params.ID)
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "unknown cron job "+params.ID)
	}
	s.cronSvc.Fire(job)
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleHeartbeat(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Channel string `json:"channel,omitempty"`
		Message string `json:"message,omitempty"`
	}
	_ = json.Unmarshal(req.Params, &params)
	channel := params.Channel
	if channel == "" {
		channel = s.lastChannel()
	}
	if channel == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no channel available")
	}
	if !s.heartbeat.Trigger(channel, params.Message) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "heartbeat skipped: channel not linked or no reply target")
	}
	return protocol.NewResponse(req.ID, map[string]string{"channel": channel})
}

func (s *Server) handleSystemEvent(req protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Text       string   `json:"text"`
		InstanceID string   `json:"instanceId,omitempty"`
		Mode       string   `json:"mode,omitempty"`
		Tags       []string `json:"tags,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Text == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "system-event requires text")
	}
	s.bus.Broadcast(bus.Event{Name: protocol.EventLog, Payload: protocol.LogEvent{
		Level: "info",
		Msg:   params.Text,
		Meta: map[string]interface{}{
			"instanceId": params.InstanceID,
			"mode":       params.Mode,
			"tags":       params.Tags,
		},
	}})
	return protocol.NewResponse(req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleModelsList(req protocol.RequestFrame) *protocol.ResponseFrame {
	snap := s.cfg.Snapshot()
	type modelView struct {
		Ref     string `json:"ref"`
		Primary bool   `json:"primary,omitempty"`
		Allowed bool   `json:"allowed,omitempty"`
	}
	seen := map[string]bool{}
	var out []modelView
	add := func(ref string, primary bool) {
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		out = append(out, modelView{Ref: ref, Primary: primary, Allowed: snap.ModelAllowed(ref)})
	}
	add(snap.Agent.Model.Primary, true)
	for _, fb := range snap.Agent.Model.Fallbacks {
		add(fb, false)
	}
	for _, alias := range snap.Agent.ModelAliases {
		add(alias, false)
	}
	return protocol.NewResponse(req.ID, out)
}
