// Package runner executes events against long-lived, session-scoped agents.
// Each session gets one Runner that processes its work strictly in order;
// a Pool bounds how many runners are alive at once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coopco/supportbot/internal/agent"
	"github.com/coopco/supportbot/internal/events"
	"github.com/coopco/supportbot/internal/execlog"
	"github.com/coopco/supportbot/internal/providers"
)

// MaxPending is the default per-session queue bound.
const MaxPending = 32

// SilentMarker prefixes responses that should not be echoed.
const SilentMarker = "[SILENT]"

var (
	// ErrSaturated is returned by Enqueue when the session queue is full.
	ErrSaturated = errors.New("session queue saturated")
	// ErrRunnerClosed is returned by Enqueue after the runner was retired or closed.
	ErrRunnerClosed = errors.New("session runner closed")
)

// Execution is one event firing handed to a runner.
type Execution struct {
	Filename string
	Event    events.Event
}

// Message renders the synthetic user message sent to the agent.
func (e Execution) Message() string {
	return fmt.Sprintf("[EVENT:%s:%s:%s] %s", e.Filename, e.Event.Type, e.Event.Trigger(), e.Event.Text)
}

// PromptBuilder produces the system prompt for a session.
type PromptBuilder interface {
	BuildSystemPrompt(sessionID string) string
}

// Options configure how runners process work.
type Options struct {
	MaxPending int
	Prompts    PromptBuilder
	Log        *execlog.Writer // nil disables the execution log
	Echo       io.Writer       // nil disables echoing responses
	ShowUsage  bool
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxPending <= 0 {
		o.MaxPending = MaxPending
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Runner serialises executions for one session over a single agent.
type Runner struct {
	id    string
	agent agent.Agent
	opts  Options
	echo  *syncWriter

	queue  chan Execution
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  int
	lastUsed time.Time
	closed   bool

	connMu    sync.Mutex
	connected bool
}

func newRunner(id string, a agent.Agent, opts Options, echo *syncWriter) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		id:       id,
		agent:    a,
		opts:     opts,
		echo:     echo,
		queue:    make(chan Execution, opts.MaxPending),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		lastUsed: opts.Now(),
	}
	go r.work()
	return r
}

// SessionID returns the session this runner serves.
func (r *Runner) SessionID() string { return r.id }

// Enqueue schedules exec after everything already queued for the session.
// It never blocks.
func (r *Runner) Enqueue(exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	if r.pending >= r.opts.MaxPending {
		return ErrSaturated
	}
	r.pending++
	r.lastUsed = r.opts.Now()
	// pending counts queued plus in-flight work, so the buffer has room.
	r.queue <- exec
	return nil
}

// EnsureConnected connects the agent on first use.
func (r *Runner) EnsureConnected(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.connected {
		return nil
	}
	if err := r.agent.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect agent for session %s: %w", r.id, err)
	}
	r.connected = true
	return nil
}

// IsIdle reports whether the runner has no queued or in-flight work.
func (r *Runner) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending == 0
}

// Pending returns the number of queued plus in-flight executions.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// LastUsed returns when work was last enqueued or completed.
func (r *Runner) LastUsed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

// Retire closes the runner only if it is idle, and reports whether it did.
// A retired runner rejects new work with ErrRunnerClosed; Close must still
// be called to disconnect it.
func (r *Runner) Retire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pending > 0 {
		return false
	}
	r.closed = true
	close(r.queue)
	return true
}

// Close stops accepting work, waits for the worker and disconnects the
// agent. It is the forced shutdown path: the chat in flight is cancelled
// through its context and still-queued executions are dropped with a
// warning. Eviction only closes runners that Retire reported idle, so it
// never interrupts a chat.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("session %s: worker did not stop: %w", r.id, ctx.Err())
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if !r.connected {
		return nil
	}
	r.connected = false
	if err := r.agent.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect session %s: %w", r.id, err)
	}
	return nil
}

func (r *Runner) work() {
	defer close(r.done)
	for exec := range r.queue {
		if r.ctx.Err() != nil {
			slog.Warn("pool: dropping queued event on close", "session", r.id, "file", exec.Filename)
		} else {
			r.run(exec)
		}
		r.mu.Lock()
		r.pending--
		r.lastUsed = r.opts.Now()
		r.mu.Unlock()
	}
}

func (r *Runner) run(exec Execution) {
	start := r.opts.Now()
	entry := execlog.Entry{
		Timestamp: start.UTC().Format(time.RFC3339Nano),
		Session:   r.id,
		Filename:  exec.Filename,
		Event:     exec.Event,
	}

	resp, usage, err := r.chat(exec)
	entry.DurationMs = r.opts.Now().Sub(start).Milliseconds()
	if err != nil {
		slog.Error("events: execution failed", "file", exec.Filename, "session", r.id, "error", err)
		entry.Error = err.Error()
	} else {
		entry.Response = resp
		entry.Silent = strings.HasPrefix(strings.TrimSpace(resp), SilentMarker)
		slog.Info("events: executed", "file", exec.Filename, "session", r.id, "silent", entry.Silent, "duration_ms", entry.DurationMs)
	}
	if usage != nil {
		entry.Usage = usage.String()
	}

	if err == nil && !entry.Silent && r.echo != nil {
		r.echo.printf("[%s] %s\n", exec.Filename, resp)
		if usage != nil {
			r.echo.printf("[%s] %s\n", exec.Filename, usage)
		}
	}

	if r.opts.Log != nil {
		if err := r.opts.Log.Append(entry); err != nil {
			slog.Warn("events: failed to write execution log", "file", exec.Filename, "error", err)
		}
	}
}

func (r *Runner) chat(exec Execution) (string, *providers.Usage, error) {
	if err := r.EnsureConnected(r.ctx); err != nil {
		return "", nil, err
	}
	if r.opts.Prompts != nil {
		r.agent.SetSystemPrompt(r.opts.Prompts.BuildSystemPrompt(r.id))
	}

	var usage *providers.Usage
	var cb agent.ChatCallbacks
	if r.opts.ShowUsage {
		cb.OnUsage = func(u providers.Usage) { usage = &u }
	}
	resp, err := r.agent.Chat(r.ctx, exec.Message(), cb)
	return resp, usage, err
}

// syncWriter serialises echo output shared by all runners of a pool.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
