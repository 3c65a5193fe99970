// Package activation decides what happens to an authorized inbound envelope:
// drop it, answer it directly (stop words, directive confirmations, /status),
// or admit it to the scheduler. An envelope rejected here never reaches the
// scheduler.
package activation

import (
	"fmt"
	"strings"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/directives"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/store"
)

// Outcome classifies the pipeline decision.
type Outcome int

const (
	// Drop: not authorized or not activated; no reply, no run.
	Drop Outcome = iota
	// Reply: answer with ReplyText immediately, no agent run.
	Reply
	// Schedule: admit Body to the scheduler for SessionKey.
	Schedule
	// Restart: privileged host-service restart was requested.
	Restart
)

// Decision is the pipeline result for one envelope.
type Decision struct {
	Outcome    Outcome
	SessionKey string
	ReplyText  string

	// Body is the prompt to schedule (directive tokens stripped, abort
	// reminder prefixed when due).
	Body string

	// Thinking and Verbose are the effective levels for this turn, after
	// session pins and inline one-shots.
	Thinking store.ThinkingLevel
	Verbose  store.VerboseLevel

	// Model is the effective model ref (session override or "").
	Model string

	// EmitPrimer is set for the first reply of a fresh group session.
	EmitPrimer bool
}

// StatusFunc synthesizes the /status reply text. Injected so the pipeline
// stays free of scheduler and runtime references.
type StatusFunc func(sessionKey string) string

// Pipeline evaluates authorization, activation, and directives.
type Pipeline struct {
	cfg      *config.Config
	sessions *store.SessionStore
	status   StatusFunc

	// BotIdentifiers per channel, for mention gating: channel → own ids.
	botIDs map[string][]string
}

// New creates a pipeline. botIDs maps channel name to the bot's own
// identifiers on that transport.
func New(cfg *config.Config, sess *store.SessionStore, status StatusFunc, botIDs map[string][]string) *Pipeline {
	if botIDs == nil {
		botIDs = map[string][]string{}
	}
	return &Pipeline{cfg: cfg, sessions: sess, status: status, botIDs: botIDs}
}

// Process runs the full resolution order for one envelope.
func (p *Pipeline) Process(env bus.Envelope) Decision {
	snap := p.cfg.Snapshot()

	allowed := senderAllowed(p.cfg.ChannelCommonFor(env.Channel).AllowFrom, env.From)
	mentioned := env.Mentioned(p.botIDs[env.Channel]...)

	key := sessions.Derive(snap.Agent.ID, env.Channel, env.ChatType, env.ChatKey,
		snap.Session.CollapseDirect, snap.Session.MainKey)

	if env.ChatType == bus.ChatGroup || env.ChatType == bus.ChatChannel {
		if !p.groupActivated(env, key, allowed, mentioned) {
			return Decision{Outcome: Drop}
		}
	} else if !allowed {
		return Decision{Outcome: Drop}
	}

	// Stop words abort before anything else runs.
	if directives.IsStopWord(env.Body) {
		p.sessions.Update(key, func(s *store.Session) { s.Aborted = true })
		return Decision{Outcome: Reply, SessionKey: key, ReplyText: "Agent was aborted."}
	}

	sess := p.sessions.GetOrCreate(key)
	dec := Decision{
		Outcome:    Schedule,
		SessionKey: key,
		Body:       env.Body,
		Thinking:   sess.ThinkingLevel,
		Verbose:    sess.Verbose,
		Model:      sess.Model,
	}

	if d := directives.Parse(env.Body); d != nil {
		reply, handled := p.applyDirective(key, d, &dec)
		if handled {
			return reply
		}
	}

	// Abort reminder: one-shot prefix on the next prompt, then the flag clears.
	if sess.Aborted {
		dec.Body = "[The previous run was aborted by the user. Do not resume it.]\n" + dec.Body
		p.sessions.Update(key, func(s *store.Session) { s.Aborted = false })
	}

	if (env.ChatType == bus.ChatGroup || env.ChatType == bus.ChatChannel) && !sess.Primed {
		dec.EmitPrimer = true
	}
	return dec
}

// groupActivated resolves group activation: @-mention OR activation=always OR
// requireMention=false. A non-allowlisted group still activates for the turn
// when the bot itself is mentioned.
func (p *Pipeline) groupActivated(env bus.Envelope, key string, allowed, mentioned bool) bool {
	if !allowed {
		return mentioned
	}
	sess, _ := p.sessions.Get(key)
	if sess.Activation == "always" {
		return true
	}
	requireMention := true
	if rm := p.cfg.ChannelCommonFor(env.Channel).RequireMention; rm != nil {
		requireMention = *rm
	}
	if !requireMention {
		return true
	}
	return mentioned
}

// applyDirective mutates state for pins and rewrites dec for inline one-shots.
// Returns (reply, true) when the message is consumed by the directive.
func (p *Pipeline) applyDirective(key string, d *directives.Directive, dec *Decision) (Decision, bool) {
	reply := func(text string) (Decision, bool) {
		return Decision{Outcome: Reply, SessionKey: key, ReplyText: text}, true
	}

	switch d.Kind {
	case directives.KindThink:
		if !store.ValidThinkingLevel(d.Value) {
			return reply("Unknown thinking level. Use one of: off, minimal, low, medium, high, max.")
		}
		level := store.ThinkingLevel(d.Value)
		if d.Inline {
			dec.Thinking = level
			dec.Body = d.Rest
			return Decision{}, false
		}
		p.sessions.Update(key, func(s *store.Session) { s.ThinkingLevel = level })
		return reply(fmt.Sprintf("Thinking level set to %s.", level))

	case directives.KindVerbose:
		switch store.VerboseLevel(d.Value) {
		case store.VerboseOn, store.VerboseFull, store.VerboseOff:
		default:
			return reply("Usage: /verbose <on|full|off>")
		}
		level := store.VerboseLevel(d.Value)
		if d.Inline {
			dec.Verbose = level
			dec.Body = d.Rest
			return Decision{}, false
		}
		p.sessions.Update(key, func(s *store.Session) { s.Verbose = level })
		return reply(fmt.Sprintf("Verbose set to %s.", level))

	case directives.KindQueue:
		switch d.Value {
		case "queue", "interrupt":
			p.sessions.Update(key, func(s *store.Session) { s.QueueMode = d.Value })
			return reply(fmt.Sprintf("Queue mode set to %s.", d.Value))
		case "reset":
			p.sessions.Update(key, func(s *store.Session) { s.QueueMode = "" })
			return reply("Queue mode reset.")
		default:
			return reply("Usage: /queue <queue|interrupt|reset>")
		}

	case directives.KindNew:
		p.sessions.Update(key, func(s *store.Session) {
			s.SessionID = ""
			s.Primed = false
		})
		return reply("Started a new session.")

	case directives.KindModel:
		if d.Value == "" {
			return reply("Usage: /model <ref>")
		}
		if !p.cfg.ModelAllowed(d.Value) {
			return reply(fmt.Sprintf("Model %q is not in the configured allowlist.", d.Value))
		}
		if d.Inline {
			dec.Model = d.Value
			dec.Body = d.Rest
			return Decision{}, false
		}
		p.sessions.Update(key, func(s *store.Session) { s.Model = d.Value })
		return reply(fmt.Sprintf("Model set to %s.", d.Value))

	case directives.KindStatus:
		if p.status != nil {
			return reply(p.status(key))
		}
		return reply("Status unavailable.")

	case directives.KindRestart:
		return Decision{Outcome: Restart, SessionKey: key}, true
	}
	return Decision{}, false
}

// AuthorizeRestart checks the privileged /restart sender against admin.allowFrom.
func (p *Pipeline) AuthorizeRestart(from string) bool {
	snap := p.cfg.Snapshot()
	return senderAllowed(snap.Admin.AllowFrom, from)
}

// senderAllowed checks an allowlist; "*" matches any sender. An empty list
// allows none.
func senderAllowed(allowFrom []string, from string) bool {
	for _, a := range allowFrom {
		if a == "*" || strings.EqualFold(a, from) {
			return true
		}
	}
	return false
}
