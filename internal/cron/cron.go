// Package cron evaluates scheduled prompts against their cron expressions
// and admits due jobs as forced runs.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/store"
)

// Service ticks once per minute and fires due jobs.
type Service struct {
	cfg    *config.Config
	jobs   *store.CronStore
	sched  *scheduler.Scheduler
	gron   *gronx.Gronx
	cancel context.CancelFunc
}

// New creates the cron service.
func New(cfg *config.Config, jobs *store.CronStore, sched *scheduler.Scheduler) *Service {
	return &Service{cfg: cfg, jobs: jobs, sched: sched, gron: gronx.New()}
}

// Validate checks a cron expression.
func (s *Service) Validate(expr string) error {
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// Start launches the minute ticker.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop halts the ticker.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Service) tick(now time.Time) {
	for _, job := range s.jobs.List() {
		if !job.Enabled {
			continue
		}
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			slog.Warn("cron expression check failed", "job", job.ID, "expr", job.Expr, "error", err)
			continue
		}
		if due {
			s.Fire(job)
		}
	}
}

// Fire admits one job as a forced run, regardless of its schedule. Used by
// the ticker and the cron.runNow RPC.
func (s *Service) Fire(job store.CronJob) {
	snap := s.cfg.Snapshot()
	key := job.SessionKey
	if key == "" {
		key = sessions.BuildMain(snap.Agent.ID, snap.Session.MainKey)
	}
	thinking := store.ThinkOff
	if store.ValidThinkingLevel(job.Thinking) {
		thinking = store.ThinkingLevel(job.Thinking)
	}
	origin := scheduler.Origin{Deliver: false}
	if job.Channel != "" && job.To != "" {
		origin = scheduler.Origin{
			Channel:  job.Channel,
			Provider: job.Channel,
			To:       job.To,
			Deliver:  true,
		}
	}
	s.sched.Submit(scheduler.Request{
		SessionKey: key,
		Body:       job.Message,
		Forced:     true,
		Reason:     "cron:" + job.ID,
		Thinking:   thinking,
		Origin:     origin,
	})
	if err := s.jobs.TouchRun(job.ID); err != nil {
		slog.Warn("cron run record failed", "job", job.ID, "error", err)
	}
	slog.Info("cron job fired", "job", job.ID, "name", job.Name)
}
