package agentrt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	backoffInitial = 250 * time.Millisecond
	backoffMax     = 30 * time.Second
	healthyAfter   = 60 * time.Second
)

// Worker supervises one long-lived agent worker subprocess, restarting it on
// crash with bounded exponential backoff. Requests are serialized onto stdin;
// events are demuxed by runId off stdout.
type Worker struct {
	command string
	args    []string

	mu      sync.Mutex
	stdin   io.WriteCloser
	proc    *exec.Cmd
	sinks   map[string]func(WorkerEvent)
	stopped bool
}

// NewWorker builds a supervisor for the given worker command.
func NewWorker(command string, args []string) *Worker {
	return &Worker{
		command: command,
		args:    args,
		sinks:   make(map[string]func(WorkerEvent)),
	}
}

// Start runs the supervision loop until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go w.supervise(ctx)
}

func (w *Worker) supervise(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		// A crash after a healthy stretch resets the backoff.
		if time.Since(started) > healthyAfter {
			backoff = backoffInitial
		}
		slog.Warn("agent worker exited, restarting", "error", err, "backoff", backoff.String())
		w.failAllRuns("agent worker restarted")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// runOnce spawns the worker and pumps stdout until it exits.
func (w *Worker) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.command, w.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn agent worker: %w", err)
	}

	w.mu.Lock()
	w.stdin = stdin
	w.proc = cmd
	w.mu.Unlock()

	slog.Info("agent worker started", "pid", cmd.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var ev WorkerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("agent worker emitted non-JSON line", "len", len(line))
			continue
		}
		w.dispatch(ev)
	}

	w.mu.Lock()
	w.stdin = nil
	w.proc = nil
	w.mu.Unlock()

	return cmd.Wait()
}

// Submit registers a sink for runId events and writes the run request.
func (w *Worker) Submit(req WorkerRequest, sink func(WorkerEvent)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin == nil {
		return fmt.Errorf("agent worker not running")
	}
	w.sinks[req.RunID] = sink
	if err := w.writeLocked(req); err != nil {
		delete(w.sinks, req.RunID)
		return err
	}
	return nil
}

// Cancel sends a soft cancel frame for runId. Escalation to SIGTERM/SIGKILL
// happens in EscalateCancel after the grace windows elapse.
func (w *Worker) Cancel(runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin == nil {
		return nil
	}
	return w.writeLocked(WorkerRequest{Type: reqCancel, RunID: runID})
}

// EscalateCancel waits grace for the run to release, then SIGTERMs the worker,
// then SIGKILLs after another grace window. released reports whether the run's
// sink has been removed (i.e. the run resolved).
func (w *Worker) EscalateCancel(runID string, grace time.Duration) {
	time.Sleep(grace)
	if w.runReleased(runID) {
		return
	}
	w.signal(syscall.SIGTERM)
	time.Sleep(grace)
	if w.runReleased(runID) {
		return
	}
	slog.Warn("agent worker unresponsive to SIGTERM, killing", "run", runID)
	w.signal(syscall.SIGKILL)
}

// Release removes the sink for a finished run.
func (w *Worker) Release(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sinks, runID)
}

func (w *Worker) runReleased(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, active := w.sinks[runID]
	return !active
}

func (w *Worker) signal(sig syscall.Signal) {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc != nil && proc.Process != nil {
		proc.Process.Signal(sig)
	}
}

func (w *Worker) writeLocked(req WorkerRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent worker: %w", err)
	}
	return nil
}

func (w *Worker) dispatch(ev WorkerEvent) {
	w.mu.Lock()
	sink := w.sinks[ev.RunID]
	w.mu.Unlock()
	if sink == nil {
		slog.Debug("agent worker event for unknown run", "type", ev.Type, "run", ev.RunID)
		return
	}
	sink(ev)
}

// failAllRuns synthesizes error + agent_end for every active run after a
// worker crash so callers resolve instead of hanging.
func (w *Worker) failAllRuns(reason string) {
	w.mu.Lock()
	sinks := make(map[string]func(WorkerEvent), len(w.sinks))
	for id, s := range w.sinks {
		sinks[id] = s
	}
	w.sinks = make(map[string]func(WorkerEvent))
	w.mu.Unlock()

	for runID, sink := range sinks {
		sink(WorkerEvent{Type: evError, RunID: runID, Message: reason, Kind: "worker_crash"})
		sink(WorkerEvent{Type: evAgentEnd, RunID: runID})
	}
}
