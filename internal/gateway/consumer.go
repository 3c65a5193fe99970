package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/activation"
	"github.com/clawdis/clawdis/internal/agentrt"
	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// groupPrimer is injected ahead of the first prompt of a fresh group
// session so the agent knows replies are shared.
const groupPrimer = "[Group chat context: messages from multiple senders are attributed by name. Replies are visible to the whole group.]"

// defaultContextWindow approximates the model context size for the /status
// context percentage.
const defaultContextWindow = 200000

// OnRestart, when set, is invoked after an authorized /restart directive.
var OnRestart func()

// RunConsumer starts the inbound pipeline loop. Blocks until ctx is done.
func (s *Server) RunConsumer(ctx context.Context) {
	for {
		env, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		s.handleEnvelope(env)
	}
}

func (s *Server) handleEnvelope(env bus.Envelope) {
	dec := s.activation.Process(env)
	switch dec.Outcome {
	case activation.Drop:
		return
	case activation.Reply:
		s.rememberOrigin(dec.SessionKey, env)
		s.replyTo(env, dec.ReplyText)
	case activation.Restart:
		s.handleRestart(env)
	case activation.Schedule:
		s.rememberOrigin(dec.SessionKey, env)
		s.admit(env, dec)
	}
}

func (s *Server) replyTo(env bus.Envelope, text string) {
	if !env.Deliver {
		s.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: protocol.ChatEvent{
			SessionKey: env.ChatKey,
			State:      protocol.RunFinal,
			Text:       text,
		}})
		return
	}
	s.deliverer.Deliver(env.Channel, env.Provider, env.ChatKey, env.AccountID, text, nil)
}

func (s *Server) handleRestart(env bus.Envelope) {
	if !s.activation.AuthorizeRestart(env.From) {
		s.replyTo(env, "Restart is restricted to administrators.")
		return
	}
	s.replyTo(env, "Restarting the gateway service.")
	s.bus.Broadcast(bus.Event{Name: protocol.EventShutdown, Payload: map[string]string{"reason": "restart"}})
	if OnRestart != nil {
		go OnRestart()
	}
}

// rememberOrigin records the reply target on the session. Heartbeat runs
// never pass through here, so lastChannel/lastTo only track real traffic.
func (s *Server) rememberOrigin(key string, env bus.Envelope) {
	if key == "" || !env.Deliver {
		return
	}
	err := s.sessions.Update(key, func(sess *store.Session) {
		sess.LastChannel = env.Channel
		sess.LastProvider = env.Provider
		sess.LastTo = env.ChatKey
	})
	if err != nil {
		slog.Warn("session origin update failed", "session", key, "error", err)
	}
}

func (s *Server) admit(env bus.Envelope, dec activation.Decision) {
	sess := s.sessions.GetOrCreate(dec.SessionKey)

	mode := s.cfg.QueueModeFor(env.Channel)
	if sess.QueueMode != "" {
		mode = config.QueueMode(sess.QueueMode)
	}

	var prefix string
	if dec.EmitPrimer && !sess.Primed {
		prefix = groupPrimer
	}

	s.sched.Submit(scheduler.Request{
		SessionKey:  dec.SessionKey,
		Body:        dec.Body,
		SenderLabel: env.SenderLabel,
		Mode:        mode,
		Thinking:    dec.Thinking,
		Verbose:     dec.Verbose,
		Model:       dec.Model,
		Media:       env.Media,
		BodyPrefix:  prefix,
		Origin: scheduler.Origin{
			Channel:   env.Channel,
			Provider:  env.Provider,
			To:        env.ChatKey,
			AccountID: env.AccountID,
			Deliver:   env.Deliver,
		},
	})
}

// ExecuteRun is the scheduler executor: it drives the agent adapter and
// streams run events to control-plane subscribers.
func (s *Server) ExecuteRun(ctx context.Context, run *scheduler.Run) error {
	req := run.Request
	sess := s.sessions.GetOrCreate(req.SessionKey)
	snap := s.cfg.Snapshot()

	s.broadcastChat(run, protocol.RunRunning, "", nil, nil)

	coalescer := agentrt.NewToolCoalescer(req.Verbose, func(line string) {
		if req.Origin.Deliver {
			s.deliverer.Deliver(req.Origin.Channel, req.Origin.Provider, req.Origin.To, req.Origin.AccountID, line, nil)
		}
	})

	spec := agentrt.RunSpec{
		RunID:        run.ID,
		SessionKey:   req.SessionKey,
		SessionID:    sess.SessionID,
		SystemPrompt: snap.Agent.SystemPrompt,
		BodyPrefix:   req.BodyPrefix,
		Body:         req.Body,
		Thinking:     req.Thinking,
		Media:        req.Media,
		Model:        req.Model,
		TimeoutMs:    req.TimeoutMs,
	}

	res, err := s.adapter.Run(ctx, spec, func(ev agentrt.StreamEvent) {
		switch ev.Type {
		case "session_start":
			if ev.SessionID != "" {
				_ = s.sessions.Update(req.SessionKey, func(sess *store.Session) {
					sess.SessionID = ev.SessionID
				})
			}
		case "tool_start":
			coalescer.OnToolStart(ev.Tool, ev.Arg)
			s.broadcastChat(run, protocol.RunStreaming, "", &protocol.ToolEvent{Phase: "start", Tool: ev.Tool, Arg: ev.Arg}, nil)
		case "tool_end":
			coalescer.OnToolEnd(ev.Tool, ev.Preview)
			s.broadcastChat(run, protocol.RunStreaming, "", &protocol.ToolEvent{Phase: "end", Tool: ev.Tool, Preview: ev.Preview}, nil)
		case "text":
			run.MarkStreaming(ev.Delta)
			// Streaming deltas reach control-plane subscribers only.
			s.broadcastChat(run, protocol.RunStreaming, ev.Delta, nil, nil)
		}
	})
	coalescer.Flush()

	if err != nil {
		partial := ""
		if res != nil {
			partial = res.Text
		}
		s.finishRun(run, partial, err)
		return err
	}

	s.finishRun(run, res.Text, nil)

	_ = s.sessions.Update(req.SessionKey, func(st *store.Session) {
		if res.SessionID != "" {
			st.SessionID = res.SessionID
		}
		if res.Usage != nil && res.Usage.ContextTokens > 0 {
			st.ContextUsed = res.Usage.ContextTokens
		}
		if req.BodyPrefix == groupPrimer {
			st.Primed = true
		}
		st.UpdatedAt = time.Now().UnixMilli()
	})

	_ = s.sessions.AppendTranscript(req.SessionKey, store.TranscriptEntry{
		Role: "user",
		Text: req.Body,
		At:   time.Now().UnixMilli(),
	})
	_ = s.sessions.AppendTranscript(req.SessionKey, store.TranscriptEntry{
		Role: "assistant",
		Text: res.Text,
		At:   time.Now().UnixMilli(),
	})

	s.broadcastChat(run, protocol.RunFinal, res.Text, nil, res.Usage)
	return nil
}

// finishRun delivers the final payload (or an error notice) to the run's
// origin. Heartbeat responses pass the visibility filter first.
func (s *Server) finishRun(run *scheduler.Run, text string, err error) {
	req := run.Request

	if err != nil {
		msg, notify := failureNotice(err, text)
		if !notify {
			return
		}
		if req.Origin.Deliver {
			s.deliverer.Deliver(req.Origin.Channel, req.Origin.Provider, req.Origin.To, req.Origin.AccountID, msg, nil)
		}
		s.broadcastChat(run, protocol.RunFailed, msg, nil, nil)
		return
	}

	if req.Heartbeat {
		hb := s.cfg.ChannelCommonFor(strings.TrimPrefix(req.Reason, "heartbeat:")).Heartbeat
		if hb != nil {
			filtered, deliver := heartbeat.FilterResponse(text, hb)
			if !deliver {
				return
			}
			text = filtered
		}
	}

	if text == "" || !req.Origin.Deliver {
		return
	}
	s.deliverer.Deliver(req.Origin.Channel, req.Origin.Provider, req.Origin.To, req.Origin.AccountID, text, nil)
}

// failureNotice maps a run error to the notice delivered to the origin chat.
// notify is false when nothing should be said: an interrupted run stays
// silent because the superseding run owns the conversation.
func failureNotice(err error, partial string) (msg string, notify bool) {
	if errors.Is(err, context.Canceled) {
		return "", false
	}
	if agentrt.IsTimeout(err) && partial != "" {
		return partial + "\n(truncated due to timeout)", true
	}
	var exhausted *agentrt.FallbackExhaustedError
	if errors.As(err, &exhausted) {
		return "⚠️ All model candidates failed.\n" + exhausted.Error(), true
	}
	return "⚠️ Agent run failed: " + err.Error(), true
}

func (s *Server) broadcastChat(run *scheduler.Run, state, text string, tool *protocol.ToolEvent, usage *protocol.Usage) {
	s.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: protocol.ChatEvent{
		RunID:      run.ID,
		SessionKey: run.SessionKey,
		State:      state,
		Text:       text,
		ToolEvent:  tool,
		Usage:      usage,
	}})
}

// StatusText synthesizes the /status directive reply.
func (s *Server) StatusText(sessionKey string) string {
	sess := s.sessions.GetOrCreate(sessionKey)

	state := "idle"
	if s.sched.Busy(sessionKey) {
		state = "running"
	}
	thinking := string(sess.ThinkingLevel)
	if thinking == "" {
		thinking = "off"
	}
	verbose := string(sess.Verbose)
	if verbose == "" {
		verbose = "off"
	}
	contextPct := 0
	if sess.ContextUsed > 0 {
		contextPct = sess.ContextUsed * 100 / defaultContextWindow
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", state)
	fmt.Fprintf(&b, "Thinking: %s, verbose: %s\n", thinking, verbose)
	fmt.Fprintf(&b, "Context used: %d%%\n", contextPct)
	fmt.Fprintf(&b, "Session: %s", sessionKey)
	if s.whatsappCredsRefreshedAt() != "" {
		fmt.Fprintf(&b, "\nWhatsApp creds refreshed: %s", s.whatsappCredsRefreshedAt())
	}
	return b.String()
}

func (s *Server) whatsappCredsRefreshedAt() string {
	// Populated by the WhatsApp link flow; empty when never linked.
	return ""
}
