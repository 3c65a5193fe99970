// Package scheduler serializes agent runs per session, enforces the
// cross-session concurrency cap with FIFO admission, and implements the
// queue/interrupt admission policies plus forced-sync collapsing.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// Origin records where replies for a run should be delivered.
type Origin struct {
	Channel   string
	Provider  string
	To        string
	AccountID string
	Deliver   bool // false: display-only (control-plane subscribers)
}

// Request is one admission to the scheduler.
type Request struct {
	SessionKey  string
	Body        string
	SenderLabel string
	Mode        config.QueueMode
	Forced      bool
	Reason      string
	Heartbeat   bool // heartbeat runs never mutate delivery targets
	Thinking    store.ThinkingLevel
	Verbose     store.VerboseLevel
	Model       string
	Media       []bus.Media
	Origin      Origin
	BodyPrefix  string
	TimeoutMs   int
}

// Run is the record of one agent invocation, from admission to terminal
// state. At most one Run per session is in running or streaming state.
type Run struct {
	ID         string
	SessionKey string
	Request    Request
	StartedAt  time.Time

	mu              sync.Mutex
	state           string
	firstPayloadAt  time.Time
	lastTextPayload string
	err             error

	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

// requestCancel cancels the run's context. A run whose execute goroutine has
// not yet installed its cancel func is marked instead; execute honors the mark
// before invoking the executor.
func (r *Run) requestCancel() {
	r.mu.Lock()
	r.cancelRequested = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns the current run state.
func (r *Run) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkStreaming records the first streamed payload; repeatable.
func (r *Run) MarkStreaming(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == protocol.RunRunning || r.state == protocol.RunStreaming {
		r.state = protocol.RunStreaming
		if r.firstPayloadAt.IsZero() {
			r.firstPayloadAt = time.Now()
		}
		if text != "" {
			r.lastTextPayload = text
		}
	}
}

// LastText returns the last streamed text payload, kept for debugging after
// cancellation.
func (r *Run) LastText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTextPayload
}

// Err returns the terminal error, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Executor performs the actual agent invocation for an admitted run. The
// scheduler derives the terminal state from its return: ctx cancellation →
// cancelled, error → failed, nil → final.
type Executor func(ctx context.Context, run *Run) error

// TerminalHook observes every terminal transition. Exactly one terminal state
// is reached per run.
type TerminalHook func(run *Run, state string, err error)

// pendingEntry is a not-yet-admitted request for a lane. Queue-mode user
// messages merge into it; forced entries collapse into it.
type pendingEntry struct {
	req   Request
	parts []string
}

func (p *pendingEntry) body() string {
	if len(p.parts) > 0 {
		return strings.Join(p.parts, "\n")
	}
	return p.req.Body
}

// lane is the per-session serialization state.
type lane struct {
	active  *Run
	pending *pendingEntry // merged user entry (queue mode)
	forced  *pendingEntry // collapsed forced entry, runs after active/pending
}

// Scheduler owns all lanes and the global admission queue.
type Scheduler struct {
	cfg      *config.Config
	exec     Executor
	terminal TerminalHook

	mu      sync.Mutex
	lanes   map[string]*lane
	queue   []*Run // FIFO admission into the concurrency cap
	running int

	baseCtx context.Context
}

// New creates a scheduler. Start must be called before Submit.
func New(cfg *config.Config, exec Executor, terminal TerminalHook) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		exec:     exec,
		terminal: terminal,
		lanes:    make(map[string]*lane),
	}
}

// Start binds the scheduler to its lifetime context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// InFlight returns the number of runs currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Submit admits a request. Returns the Run that will carry it; for merged
// queue-mode messages and collapsed forced syncs this is the run of the
// pending entry the request merged into (nil ID until admitted).
func (s *Scheduler) Submit(req Request) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln := s.lanes[req.SessionKey]
	if ln == nil {
		ln = &lane{}
		s.lanes[req.SessionKey] = ln
	}

	if req.Forced {
		return s.submitForcedLocked(ln, req)
	}

	if ln.active == nil && ln.pending == nil {
		run := s.newRun(req)
		s.enqueueLocked(ln, run)
		return run
	}

	switch req.Mode {
	case config.QueueModeInterrupt:
		// Cancel the in-flight run; the new message runs alone. A run still
		// waiting in the admission queue is dropped and resolved cancelled
		// here, since no execute goroutine will ever own it.
		if ln.active != nil {
			if s.removeQueuedLocked(ln.active) {
				s.resolveCancelledLocked(ln.active)
				ln.active = nil
			} else {
				ln.active.requestCancel()
			}
		}
		ln.pending = &pendingEntry{req: req}
		s.promoteLocked(ln)
	default: // queue
		if ln.pending == nil {
			ln.pending = &pendingEntry{req: req}
			if req.SenderLabel != "" {
				ln.pending.parts = []string{attribute(req.SenderLabel, req.Body)}
			}
		} else {
			// Merge in arrival order with per-message attribution.
			if len(ln.pending.parts) == 0 {
				ln.pending.parts = []string{attribute(ln.pending.req.SenderLabel, ln.pending.req.Body)}
			}
			ln.pending.parts = append(ln.pending.parts, attribute(req.SenderLabel, req.Body))
		}
	}

	s.pumpLocked()
	return nil
}

// submitForcedLocked implements forced-sync semantics: a forced request is
// guaranteed to run once the in-flight run completes; multiple forced
// requests collapse to one while the forced slot is pending.
func (s *Scheduler) submitForcedLocked(ln *lane, req Request) *Run {
	if ln.active == nil && ln.pending == nil && ln.forced == nil {
		run := s.newRun(req)
		s.enqueueLocked(ln, run)
		return run
	}
	if ln.forced != nil {
		// Collapse: keep the slot, carry the latest reason.
		ln.forced.req.Reason = req.Reason
		return nil
	}
	ln.forced = &pendingEntry{req: req}
	s.pumpLocked()
	return nil
}

func attribute(sender, body string) string {
	if sender == "" {
		return body
	}
	return sender + ": " + body
}

func (s *Scheduler) newRun(req Request) *Run {
	return &Run{
		ID:         uuid.NewString(),
		SessionKey: req.SessionKey,
		Request:    req,
		state:      protocol.RunPending,
		done:       make(chan struct{}),
	}
}

// enqueueLocked marks the lane active and appends to the admission queue.
func (s *Scheduler) enqueueLocked(ln *lane, run *Run) {
	ln.active = run
	s.queue = append(s.queue, run)
	s.pumpLocked()
}

// pumpLocked starts queued runs while capacity remains. Admission is global
// FIFO; per-session ordering is preserved because a lane contributes at most
// one queued run at a time.
func (s *Scheduler) pumpLocked() {
	max := s.cfg.Snapshot().Agent.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	for s.running < max && len(s.queue) > 0 {
		run := s.queue[0]
		s.queue = s.queue[1:]
		s.running++
		go s.execute(run)
	}
}

func (s *Scheduler) execute(run *Run) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithCancel(base)
	run.mu.Lock()
	run.cancel = cancel
	run.state = protocol.RunRunning
	run.StartedAt = time.Now()
	requested := run.cancelRequested
	run.mu.Unlock()
	if requested {
		cancel()
	}

	err := s.exec(ctx, run)
	interrupted := ctx.Err() != nil
	cancel()

	state := protocol.RunFinal
	switch {
	case interrupted && err != nil:
		state = protocol.RunCancelled
	case err != nil:
		state = protocol.RunFailed
	}

	run.mu.Lock()
	run.state = state
	run.err = err
	run.mu.Unlock()
	close(run.done)

	if s.terminal != nil {
		s.terminal(run, state, err)
	}
	slog.Debug("run finished", "run", run.ID, "session", run.SessionKey, "state", state)

	s.mu.Lock()
	s.running--
	ln := s.lanes[run.SessionKey]
	if ln != nil && ln.active == run {
		ln.active = nil
	}
	s.promoteLocked(ln)
	s.pumpLocked()
	s.mu.Unlock()
}

// promoteLocked admits the lane's next pending entry: user entry first, then
// the forced slot (whose guarantee is "runs once the in-flight run
// completes").
func (s *Scheduler) promoteLocked(ln *lane) {
	if ln == nil || ln.active != nil {
		return
	}
	var entry *pendingEntry
	switch {
	case ln.pending != nil:
		entry = ln.pending
		ln.pending = nil
	case ln.forced != nil:
		entry = ln.forced
		ln.forced = nil
	default:
		return
	}
	req := entry.req
	req.Body = entry.body()
	run := s.newRun(req)
	ln.active = run
	s.queue = append(s.queue, run)
}

// removeQueuedLocked pulls a run out of the admission queue. Returns false
// when the run already left the queue for an execute goroutine.
func (s *Scheduler) removeQueuedLocked(run *Run) bool {
	for i, r := range s.queue {
		if r == run {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// resolveCancelledLocked terminates a run that never reached an executor.
func (s *Scheduler) resolveCancelledLocked(run *Run) {
	run.mu.Lock()
	run.state = protocol.RunCancelled
	run.err = context.Canceled
	run.mu.Unlock()
	close(run.done)
	if s.terminal != nil {
		go s.terminal(run, protocol.RunCancelled, context.Canceled)
	}
}

// CancelSession cancels the session's in-flight run, if any.
func (s *Scheduler) CancelSession(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln := s.lanes[key]
	if ln == nil || ln.active == nil {
		return false
	}
	if s.removeQueuedLocked(ln.active) {
		s.resolveCancelledLocked(ln.active)
		ln.active = nil
		s.promoteLocked(ln)
		s.pumpLocked()
		return true
	}
	ln.active.requestCancel()
	return true
}

// Busy reports whether the session has an in-flight run.
func (s *Scheduler) Busy(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln := s.lanes[key]
	return ln != nil && ln.active != nil
}
