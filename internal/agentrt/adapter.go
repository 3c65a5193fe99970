package agentrt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// StreamEvent is a normalized run event fanned out to subscribers (delivery,
// control plane, debug log). Emission order is preserved end-to-end.
type StreamEvent struct {
	Type      string // "session_start", "tool_start", "tool_end", "text", "final", "error"
	RunID     string
	SessionID string
	Tool      string
	Arg       string
	Preview   string
	Delta     string
	Text      string
	Usage     *protocol.Usage
	Err       error
}

// RunSpec describes one agent invocation.
type RunSpec struct {
	RunID        string
	SessionKey   string
	SessionID    string
	SystemPrompt string
	BodyPrefix   string
	Body         string
	Thinking     store.ThinkingLevel
	Media        []bus.Media
	Model        string // session override; "" uses the configured primary
	TimeoutMs    int
}

// Result is the outcome of a completed run.
type Result struct {
	SessionID string
	Text      string
	Usage     *protocol.Usage
}

// Adapter drives the worker for complete runs: candidate fallback, timeout
// enforcement, and cancel escalation.
type Adapter struct {
	cfg    *config.Config
	worker *Worker
}

// New creates the adapter and its worker supervisor.
func New(cfg *config.Config) *Adapter {
	snap := cfg.Snapshot()
	return &Adapter{
		cfg:    cfg,
		worker: NewWorker(snap.Agent.Command, snap.Agent.Args),
	}
}

// Start launches worker supervision.
func (a *Adapter) Start(ctx context.Context) { a.worker.Start(ctx) }

// Run executes the spec against the model candidate chain. sink receives
// every stream event; the final text is also returned. A failure triggers the
// next candidate only when it is fallback-worthy; cancellation never does.
func (a *Adapter) Run(ctx context.Context, spec RunSpec, sink func(StreamEvent)) (*Result, error) {
	snap := a.cfg.Snapshot()

	primary := spec.Model
	if primary == "" {
		primary = snap.Agent.Model.Primary
	}
	refs := candidates(primary, snap.Agent.Model.Fallbacks, snap.Agent.ModelAliases)
	if len(refs) == 0 {
		return nil, fmt.Errorf("no model candidates configured")
	}

	var attempts []AttemptError
	for _, ref := range refs {
		res, err := a.runOnce(ctx, spec, ref, snap.Agent, sink)
		if err == nil {
			return res, nil
		}
		if res != nil && res.Text != "" {
			// Timed out after streaming began: the partial is delivered
			// labelled as truncated instead of rerunning the prompt on the
			// next candidate.
			return res, err
		}
		if !fallbackWorthy(err) {
			return nil, err
		}
		slog.Warn("model candidate failed, trying next", "model", ref.String(), "error", err)
		attempts = append(attempts, AttemptError{Provider: ref.Provider, Model: ref.Model, Err: err})
	}
	return nil, &FallbackExhaustedError{Attempts: attempts}
}

func (a *Adapter) runOnce(ctx context.Context, spec RunSpec, ref ModelRef, agentCfg config.AgentConfig, sink func(StreamEvent)) (*Result, error) {
	timeoutMs := spec.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = agentCfg.TimeoutMs
	}
	if agentCfg.HardTimeoutMs > 0 && timeoutMs > agentCfg.HardTimeoutMs {
		timeoutMs = agentCfg.HardTimeoutMs
	}

	req := WorkerRequest{
		Type:         reqRun,
		RunID:        spec.RunID,
		SessionKey:   spec.SessionKey,
		SessionID:    spec.SessionID,
		SystemPrompt: spec.SystemPrompt,
		BodyPrefix:   spec.BodyPrefix,
		Body:         spec.Body,
		ModelRef:     ref.String(),
		TimeoutMs:    timeoutMs,
	}
	applyThinking(&req, spec.Thinking, agentCfg.ThinkingFlag)

	media, err := prepareMedia(spec.Media)
	if err != nil {
		return nil, err
	}
	req.Media = media

	events := make(chan WorkerEvent, 64)
	if err := a.worker.Submit(req, func(ev WorkerEvent) { events <- ev }); err != nil {
		return nil, &RunError{Message: err.Error(), Kind: "worker_unavailable"}
	}
	defer a.worker.Release(spec.RunID)

	timeout := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timeout.Stop()

	var res Result
	var runErr error
	sawFinal := false

	for {
		select {
		case <-ctx.Done():
			a.cancelAndEscalate(spec.RunID)
			return nil, ctx.Err()

		case <-timeout.C:
			a.cancelAndEscalate(spec.RunID)
			// Partial streamed text may still be delivered by the caller,
			// labelled as truncated.
			if res.Text != "" {
				return &res, &RunError{Message: "run timed out", Kind: "TIMEOUT"}
			}
			return nil, &RunError{Message: "run timed out", Kind: "TIMEOUT"}

		case ev := <-events:
			switch ev.Type {
			case evSessionStart:
				res.SessionID = ev.SessionID
				sink(StreamEvent{Type: evSessionStart, RunID: ev.RunID, SessionID: ev.SessionID})
			case evToolStart:
				sink(StreamEvent{Type: evToolStart, RunID: ev.RunID, Tool: ev.Tool, Arg: ev.Arg})
			case evToolEnd:
				sink(StreamEvent{Type: evToolEnd, RunID: ev.RunID, Tool: ev.Tool, Preview: ev.Preview})
			case evText:
				res.Text += ev.Delta
				sink(StreamEvent{Type: evText, RunID: ev.RunID, Delta: ev.Delta})
			case evFinal:
				sawFinal = true
				res.Text = ev.Text
				res.Usage = ev.Usage
				sink(StreamEvent{Type: evFinal, RunID: ev.RunID, Text: ev.Text, Usage: ev.Usage})
			case evError:
				runErr = &RunError{Message: ev.Message, Kind: ev.Kind}
				sink(StreamEvent{Type: evError, RunID: ev.RunID, Err: runErr})
			case evAgentEnd:
				// Resolves the run even when final was the last payload seen.
				if runErr != nil {
					return nil, runErr
				}
				if !sawFinal && res.Text == "" {
					return nil, &RunError{Message: "worker ended without output", Kind: "empty_run"}
				}
				return &res, nil
			}
		}
	}
}

// Cancel soft-cancels a run and escalates per the grace windows.
func (a *Adapter) Cancel(runID string) {
	a.cancelAndEscalate(runID)
}

func (a *Adapter) cancelAndEscalate(runID string) {
	if err := a.worker.Cancel(runID); err != nil {
		slog.Debug("cancel frame write failed", "run", runID, "error", err)
	}
	grace := time.Duration(a.cfg.Snapshot().Agent.CancelGraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 2 * time.Second
	}
	go a.worker.EscalateCancel(runID, grace)
}
