package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coopco/supportbot/internal/agent"
)

const (
	MaxRunners    = 200
	IdleTTL       = 15 * time.Minute
	SweepInterval = 5 * time.Minute
)

// ErrPoolExhausted is returned by Acquire when the pool is at capacity and
// every runner is busy.
var ErrPoolExhausted = errors.New("session runner pool exhausted")

// AgentFactory creates the agent for a new session runner.
type AgentFactory func(sessionID string) (agent.Agent, error)

// PoolConfig configures a Pool. Zero values take the package defaults.
type PoolConfig struct {
	MaxRunners int
	IdleTTL    time.Duration
	Factory    AgentFactory
	Runner     Options
}

// Pool holds at most MaxRunners session runners, evicting idle ones in
// least-recently-used order. Busy runners are never evicted.
type Pool struct {
	maxRunners int
	idleTTL    time.Duration
	factory    AgentFactory
	opts       Options
	echo       *syncWriter

	mu      sync.Mutex
	runners map[string]*Runner
	stopped bool
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxRunners <= 0 {
		cfg.MaxRunners = MaxRunners
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = IdleTTL
	}
	p := &Pool{
		maxRunners: cfg.MaxRunners,
		idleTTL:    cfg.IdleTTL,
		factory:    cfg.Factory,
		opts:       cfg.Runner.withDefaults(),
		runners:    make(map[string]*Runner),
	}
	if p.opts.Echo != nil {
		p.echo = &syncWriter{w: p.opts.Echo}
	}
	return p
}

// Acquire returns the runner for sessionID, creating it if needed. At
// capacity, idle runners are evicted oldest first to make room.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Runner, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if r, ok := p.runners[sessionID]; ok {
		p.mu.Unlock()
		return r, nil
	}

	var evicted []*Runner
	if len(p.runners) >= p.maxRunners {
		evicted = p.evictLocked(len(p.runners) - p.maxRunners + 1)
		if len(p.runners) >= p.maxRunners {
			p.mu.Unlock()
			p.closeAll(ctx, evicted)
			return nil, ErrPoolExhausted
		}
	}

	a, err := p.factory(sessionID)
	if err != nil {
		p.mu.Unlock()
		p.closeAll(ctx, evicted)
		return nil, fmt.Errorf("failed to create agent for session %s: %w", sessionID, err)
	}
	r := newRunner(sessionID, a, p.opts, p.echo)
	p.runners[sessionID] = r
	p.mu.Unlock()

	p.closeAll(ctx, evicted)
	slog.Debug("pool: runner created", "session", sessionID, "runners", p.Len())
	return r, nil
}

// Len returns the number of live runners.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}

// Sweep evicts idle runners unused for longer than the idle TTL, then trims
// idle runners in LRU order until the pool is within capacity.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.opts.Now()

	p.mu.Lock()
	var evicted []*Runner
	for id, r := range p.runners {
		if now.Sub(r.LastUsed()) > p.idleTTL && r.Retire() {
			delete(p.runners, id)
			evicted = append(evicted, r)
		}
	}
	if over := len(p.runners) - p.maxRunners; over > 0 {
		evicted = append(evicted, p.evictLocked(over)...)
	}
	p.mu.Unlock()

	if len(evicted) > 0 {
		slog.Debug("pool: swept idle runners", "evicted", len(evicted), "runners", p.Len())
	}
	p.closeAll(ctx, evicted)
}

// Stop closes every runner, busy or not, and disconnects their agents
// concurrently. The pool rejects Acquire afterwards.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	all := make([]*Runner, 0, len(p.runners))
	for _, r := range p.runners {
		all = append(all, r)
	}
	p.runners = make(map[string]*Runner)
	p.mu.Unlock()

	var g errgroup.Group
	for _, r := range all {
		r := r
		g.Go(func() error { return r.Close(ctx) })
	}
	return g.Wait()
}

// evictLocked retires up to n idle runners, least recently used first.
// Caller must hold p.mu.
func (p *Pool) evictLocked(n int) []*Runner {
	idle := make([]*Runner, 0, len(p.runners))
	for _, r := range p.runners {
		if r.IsIdle() {
			idle = append(idle, r)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastUsed().Before(idle[j].LastUsed()) })

	var evicted []*Runner
	for _, r := range idle {
		if len(evicted) == n {
			break
		}
		if r.Retire() {
			delete(p.runners, r.id)
			evicted = append(evicted, r)
		}
	}
	return evicted
}

func (p *Pool) closeAll(ctx context.Context, runners []*Runner) {
	for _, r := range runners {
		if err := r.Close(ctx); err != nil {
			slog.Warn("pool: failed to close evicted runner", "session", r.id, "error", err)
		}
	}
}
