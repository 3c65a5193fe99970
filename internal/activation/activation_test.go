package activation

import (
	"strings"
	"testing"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/store"
)

func newTestPipeline(t *testing.T, mutate func(*config.Config)) (*Pipeline, *store.SessionStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Channels.Telegram.AllowFrom = []string{"alice"}
	cfg.Channels.Discord.AllowFrom = []string{"alice"}
	if mutate != nil {
		mutate(cfg)
	}
	ss, err := store.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	status := func(key string) string { return "status for " + key }
	botIDs := map[string][]string{"discord": {"bot-123"}}
	return New(cfg, ss, status, botIDs), ss
}

func directMsg(from, body string) bus.Envelope {
	return bus.Envelope{
		Channel:  bus.ChannelTelegram,
		From:     from,
		ChatType: bus.ChatDirect,
		ChatKey:  "chat-" + from,
		Body:     body,
		Deliver:  true,
	}
}

func groupMsg(from, body string, mentions ...string) bus.Envelope {
	return bus.Envelope{
		Channel:  bus.ChannelDiscord,
		From:     from,
		ChatType: bus.ChatGroup,
		ChatKey:  "guild-1",
		Body:     body,
		Mentions: mentions,
		Deliver:  true,
	}
}

func TestProcess_DirectAuthorization(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	if dec := p.Process(directMsg("mallory", "hi")); dec.Outcome != Drop {
		t.Errorf("unlisted sender outcome = %v, want Drop", dec.Outcome)
	}
	if dec := p.Process(directMsg("alice", "hi")); dec.Outcome != Schedule {
		t.Errorf("allowed sender outcome = %v, want Schedule", dec.Outcome)
	}

	p2, _ := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Channels.Telegram.AllowFrom = []string{"*"}
	})
	if dec := p2.Process(directMsg("anyone", "hi")); dec.Outcome != Schedule {
		t.Errorf("wildcard outcome = %v, want Schedule", dec.Outcome)
	}
}

func TestProcess_GroupActivation(t *testing.T) {
	t.Run("mention required by default", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		if dec := p.Process(groupMsg("alice", "hi")); dec.Outcome != Drop {
			t.Errorf("unmentioned outcome = %v, want Drop", dec.Outcome)
		}
		if dec := p.Process(groupMsg("alice", "hi", "bot-123")); dec.Outcome != Schedule {
			t.Errorf("mentioned outcome = %v, want Schedule", dec.Outcome)
		}
	})

	t.Run("requireMention false admits unmentioned", func(t *testing.T) {
		p, _ := newTestPipeline(t, func(cfg *config.Config) {
			f := false
			cfg.Channels.Discord.RequireMention = &f
		})
		if dec := p.Process(groupMsg("alice", "hi")); dec.Outcome != Schedule {
			t.Errorf("outcome = %v, want Schedule", dec.Outcome)
		}
	})

	t.Run("unlisted sender activates only via mention", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		if dec := p.Process(groupMsg("mallory", "hi")); dec.Outcome != Drop {
			t.Errorf("unmentioned outcome = %v, want Drop", dec.Outcome)
		}
		if dec := p.Process(groupMsg("mallory", "hi", "bot-123")); dec.Outcome != Schedule {
			t.Errorf("mentioned outcome = %v, want Schedule", dec.Outcome)
		}
	})

	t.Run("activation always skips mention gate", func(t *testing.T) {
		p, ss := newTestPipeline(t, nil)
		dec := p.Process(groupMsg("alice", "hi", "bot-123"))
		if dec.Outcome != Schedule {
			t.Fatalf("outcome = %v, want Schedule", dec.Outcome)
		}
		ss.Update(dec.SessionKey, func(s *store.Session) { s.Activation = "always" })
		if dec := p.Process(groupMsg("alice", "hi again")); dec.Outcome != Schedule {
			t.Errorf("outcome = %v, want Schedule", dec.Outcome)
		}
	})
}

func TestProcess_StopWord(t *testing.T) {
	p, ss := newTestPipeline(t, nil)

	dec := p.Process(directMsg("alice", "stop"))
	if dec.Outcome != Reply || dec.ReplyText != "Agent was aborted." {
		t.Fatalf("stop word decision = %+v", dec)
	}
	sess, _ := ss.Get(dec.SessionKey)
	if !sess.Aborted {
		t.Fatal("session not marked aborted")
	}

	next := p.Process(directMsg("alice", "what happened?"))
	if next.Outcome != Schedule {
		t.Fatalf("outcome = %v, want Schedule", next.Outcome)
	}
	if !strings.HasPrefix(next.Body, "[The previous run was aborted by the user.") {
		t.Errorf("Body = %q, want abort reminder prefix", next.Body)
	}
	if !strings.HasSuffix(next.Body, "what happened?") {
		t.Errorf("Body = %q, want original text preserved", next.Body)
	}
	sess, _ = ss.Get(dec.SessionKey)
	if sess.Aborted {
		t.Error("aborted flag not cleared after reminder")
	}

	after := p.Process(directMsg("alice", "and now?"))
	if after.Body != "and now?" {
		t.Errorf("Body = %q, reminder should be one-shot", after.Body)
	}
}

func TestProcess_ThinkDirective(t *testing.T) {
	t.Run("pin updates session", func(t *testing.T) {
		p, ss := newTestPipeline(t, nil)
		dec := p.Process(directMsg("alice", "/think high"))
		if dec.Outcome != Reply || !strings.Contains(dec.ReplyText, "high") {
			t.Fatalf("pin decision = %+v", dec)
		}
		sess, _ := ss.Get(dec.SessionKey)
		if sess.ThinkingLevel != store.ThinkHigh {
			t.Errorf("pinned level = %q, want high", sess.ThinkingLevel)
		}
		next := p.Process(directMsg("alice", "solve it"))
		if next.Thinking != store.ThinkHigh {
			t.Errorf("effective level = %q, want high", next.Thinking)
		}
	})

	t.Run("inline one-shot leaves pin untouched", func(t *testing.T) {
		p, ss := newTestPipeline(t, nil)
		dec := p.Process(directMsg("alice", "/think:max solve it"))
		if dec.Outcome != Schedule {
			t.Fatalf("outcome = %v, want Schedule", dec.Outcome)
		}
		if dec.Thinking != store.ThinkMax || dec.Body != "solve it" {
			t.Errorf("decision = {Thinking: %q, Body: %q}, want max/solve it", dec.Thinking, dec.Body)
		}
		sess, _ := ss.Get(dec.SessionKey)
		if sess.ThinkingLevel != "" {
			t.Errorf("session pin = %q, want unchanged", sess.ThinkingLevel)
		}
	})

	t.Run("unknown level rejected", func(t *testing.T) {
		p, _ := newTestPipeline(t, nil)
		dec := p.Process(directMsg("alice", "/think galactic"))
		if dec.Outcome != Reply || !strings.Contains(dec.ReplyText, "Unknown thinking level") {
			t.Fatalf("decision = %+v", dec)
		}
	})
}

func TestProcess_QueueDirective(t *testing.T) {
	p, ss := newTestPipeline(t, nil)

	dec := p.Process(directMsg("alice", "/queue interrupt"))
	if dec.Outcome != Reply {
		t.Fatalf("outcome = %v, want Reply", dec.Outcome)
	}
	sess, _ := ss.Get(dec.SessionKey)
	if sess.QueueMode != "interrupt" {
		t.Errorf("queue mode = %q, want interrupt", sess.QueueMode)
	}

	p.Process(directMsg("alice", "/queue reset"))
	sess, _ = ss.Get(dec.SessionKey)
	if sess.QueueMode != "" {
		t.Errorf("queue mode = %q, want cleared", sess.QueueMode)
	}

	bad := p.Process(directMsg("alice", "/queue sideways"))
	if !strings.Contains(bad.ReplyText, "Usage") {
		t.Errorf("ReplyText = %q, want usage hint", bad.ReplyText)
	}
}

func TestProcess_NewDirective(t *testing.T) {
	p, ss := newTestPipeline(t, nil)

	seed := p.Process(directMsg("alice", "hello"))
	ss.Update(seed.SessionKey, func(s *store.Session) {
		s.SessionID = "run-abc"
		s.Primed = true
	})

	dec := p.Process(directMsg("alice", "/new"))
	if dec.Outcome != Reply || !strings.Contains(dec.ReplyText, "new session") {
		t.Fatalf("decision = %+v", dec)
	}
	sess, _ := ss.Get(seed.SessionKey)
	if sess.SessionID != "" || sess.Primed {
		t.Errorf("session = {SessionID: %q, Primed: %v}, want reset", sess.SessionID, sess.Primed)
	}
}

func TestProcess_ModelDirective(t *testing.T) {
	p, ss := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Agent.ModelAliases = []string{"anthropic/opus", "anthropic/sonnet"}
	})

	dec := p.Process(directMsg("alice", "/model openai/gpt-4o"))
	if dec.Outcome != Reply || !strings.Contains(dec.ReplyText, "allowlist") {
		t.Fatalf("disallowed model decision = %+v", dec)
	}

	dec = p.Process(directMsg("alice", "/model anthropic/sonnet"))
	if dec.Outcome != Reply {
		t.Fatalf("outcome = %v, want Reply", dec.Outcome)
	}
	sess, _ := ss.Get(dec.SessionKey)
	if sess.Model != "anthropic/sonnet" {
		t.Errorf("session model = %q, want anthropic/sonnet", sess.Model)
	}

	next := p.Process(directMsg("alice", "go"))
	if next.Model != "anthropic/sonnet" {
		t.Errorf("effective model = %q, want anthropic/sonnet", next.Model)
	}
}

func TestProcess_ModelDirectiveInline(t *testing.T) {
	p, ss := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Agent.ModelAliases = []string{"anthropic/opus", "anthropic/sonnet"}
	})

	dec := p.Process(directMsg("alice", "/model anthropic/opus summarize my inbox"))
	if dec.Outcome != Schedule {
		t.Fatalf("outcome = %v, want Schedule", dec.Outcome)
	}
	if dec.Model != "anthropic/opus" || dec.Body != "summarize my inbox" {
		t.Errorf("decision = {Model: %q, Body: %q}, want one-shot opus with prompt", dec.Model, dec.Body)
	}
	sess, _ := ss.Get(dec.SessionKey)
	if sess.Model != "" {
		t.Errorf("session pin = %q, want unchanged", sess.Model)
	}

	next := p.Process(directMsg("alice", "and then?"))
	if next.Model != "" {
		t.Errorf("model = %q, inline directive should be one-shot", next.Model)
	}
}

func TestProcess_StatusAndRestart(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	dec := p.Process(directMsg("alice", "/status"))
	if dec.Outcome != Reply || !strings.HasPrefix(dec.ReplyText, "status for ") {
		t.Fatalf("status decision = %+v", dec)
	}

	dec = p.Process(directMsg("alice", "/restart"))
	if dec.Outcome != Restart {
		t.Errorf("restart outcome = %v, want Restart", dec.Outcome)
	}
}

func TestProcess_GroupPrimer(t *testing.T) {
	p, ss := newTestPipeline(t, nil)

	dec := p.Process(groupMsg("alice", "hi", "bot-123"))
	if dec.Outcome != Schedule || !dec.EmitPrimer {
		t.Fatalf("first group decision = %+v, want EmitPrimer", dec)
	}
	ss.Update(dec.SessionKey, func(s *store.Session) { s.Primed = true })

	dec = p.Process(groupMsg("alice", "again", "bot-123"))
	if dec.EmitPrimer {
		t.Error("primer emitted twice")
	}
}

func TestAuthorizeRestart(t *testing.T) {
	p, _ := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Admin.AllowFrom = []string{"root@host"}
	})
	if !p.AuthorizeRestart("root@host") {
		t.Error("admin sender rejected")
	}
	if p.AuthorizeRestart("alice") {
		t.Error("non-admin sender accepted")
	}
}
