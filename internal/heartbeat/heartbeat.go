// Package heartbeat runs periodic per-channel liveness probes through the
// normal agent pipeline and decides which probe output reaches users.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/store"
)

// DefaultPrompt is sent when heartbeat.prompt is unset.
const DefaultPrompt = "HEARTBEAT"

// AckToken marks an all-quiet probe response.
const AckToken = "HEARTBEAT_OK"

// ProviderProbe reports whether a channel's provider is linked and able to
// deliver. WhatsApp probes both stored web credentials and a live listener.
type ProviderProbe interface {
	Linked(channel string) bool
}

// Service owns one ticker per heartbeat-enabled channel.
type Service struct {
	cfg      *config.Config
	sessions *store.SessionStore
	sched    *scheduler.Scheduler
	probe    ProviderProbe

	cancel context.CancelFunc
}

// New creates the heartbeat service. probe may be nil (all channels assumed
// linked).
func New(cfg *config.Config, ss *store.SessionStore, sched *scheduler.Scheduler, probe ProviderProbe) *Service {
	return &Service{cfg: cfg, sessions: ss, sched: sched, probe: probe}
}

// Start launches tickers for every channel with heartbeat.every configured.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	snap := s.cfg.Snapshot()
	for _, channel := range []string{"whatsapp", "telegram", "discord", "webchat", "node"} {
		hb := snap.ChannelCommonFor(channel).Heartbeat
		if hb == nil || hb.Every == "" {
			continue
		}
		every, err := time.ParseDuration(hb.Every)
		if err != nil || every <= 0 {
			slog.Warn("invalid heartbeat interval", "channel", channel, "every", hb.Every)
			continue
		}
		go s.loop(ctx, channel, every)
	}
}

// Stop halts all tickers.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) loop(ctx context.Context, channel string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(channel)
		}
	}
}

// Tick runs one scheduled probe for a channel, applying the skip rules.
func (s *Service) Tick(channel string) {
	snap := s.cfg.Snapshot()
	hb := snap.ChannelCommonFor(channel).Heartbeat
	if hb == nil {
		return
	}
	if hb.Visibility.AllOff() {
		return
	}
	if !withinActiveHours(hb.ActiveHours, time.Now()) {
		return
	}
	s.submit(channel, hb, "")
}

// Trigger runs one operator-requested probe, optionally overriding the
// prompt. Manual probes skip the visibility and active-hours gates but still
// require a linked provider and a known reply target.
func (s *Service) Trigger(channel, prompt string) bool {
	snap := s.cfg.Snapshot()
	hb := snap.ChannelCommonFor(channel).Heartbeat
	if hb == nil {
		hb = &config.HeartbeatConfig{}
	}
	return s.submit(channel, hb, prompt)
}

func (s *Service) submit(channel string, hb *config.HeartbeatConfig, promptOverride string) bool {
	snap := s.cfg.Snapshot()
	if s.probe != nil && !s.probe.Linked(channel) {
		return false
	}

	mainKey := sessions.BuildMain(snap.Agent.ID, snap.Session.MainKey)
	sess, ok := s.sessions.Get(mainKey)
	if !ok || sess.LastChannel == "" || sess.LastTo == "" {
		return false
	}

	targetChannel := sess.LastChannel
	to := sess.LastTo
	provider := sess.LastProvider
	if hb.Target != "" {
		targetChannel = hb.Target
		provider = hb.Target
	}
	if hb.To != "" {
		to = hb.To
	}

	prompt := promptOverride
	if prompt == "" {
		prompt = hb.Prompt
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	thinking := store.ThinkOff
	if store.ValidThinkingLevel(hb.Think) {
		thinking = store.ThinkingLevel(hb.Think)
	}

	s.sched.Submit(scheduler.Request{
		SessionKey: mainKey,
		Body:       prompt,
		Forced:     true,
		Reason:     "heartbeat:" + channel,
		Heartbeat:  true,
		Thinking:   thinking,
		Origin: scheduler.Origin{
			Channel:   targetChannel,
			Provider:  provider,
			To:        to,
			AccountID: hb.AccountID,
			Deliver:   true,
		},
	})
	slog.Debug("heartbeat probe submitted", "channel", channel, "target", targetChannel, "to", to)
	return true
}

// FilterResponse decides whether a probe response is delivered and in what
// form. An all-quiet ack is delivered only when showOk is set; anything else
// is an alert gated by showAlerts. ackMaxChars of 0 disables the size cap.
func FilterResponse(text string, hb *config.HeartbeatConfig) (string, bool) {
	stripped := stripMarkup(text)
	vis := hb.Visibility
	if strings.Contains(stripped, AckToken) {
		if vis == nil || !vis.ShowOk {
			return "", false
		}
		out := CollapseAck(stripped)
		if hb.AckMaxChars > 0 && len(out) > hb.AckMaxChars {
			out = out[:hb.AckMaxChars]
		}
		return strings.TrimSpace(out), true
	}
	if vis != nil && !vis.ShowAlerts {
		return "", false
	}
	return strings.TrimSpace(stripped), true
}

// CollapseAck folds repeated trailing ack tokens into a single one.
func CollapseAck(text string) string {
	trimmed := strings.TrimSpace(text)
	for {
		cut := strings.TrimSpace(strings.TrimSuffix(trimmed, AckToken))
		if cut == trimmed {
			break
		}
		if strings.HasSuffix(cut, AckToken) {
			trimmed = cut
			continue
		}
		return cut + "\n" + AckToken
	}
	return trimmed
}

var markupReplacer = strings.NewReplacer("```", "", "**", "", "*", "", "__", "", "`", "")

func stripMarkup(s string) string {
	return markupReplacer.Replace(s)
}

// withinActiveHours checks an HH:MM window, which may wrap midnight. A nil
// or incomplete window means always active.
func withinActiveHours(ah *config.ActiveHours, now time.Time) bool {
	if ah == nil || ah.Start == "" || ah.End == "" {
		return true
	}
	loc := time.Local
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	start, err1 := time.Parse("15:04", ah.Start)
	end, err2 := time.Parse("15:04", ah.End)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := now.In(loc)
	mins := cur.Hour()*60 + cur.Minute()
	startMins := start.Hour()*60 + start.Minute()
	endMins := end.Hour()*60 + end.Minute()
	if startMins <= endMins {
		return mins >= startMins && mins < endMins
	}
	return mins >= startMins || mins < endMins
}
