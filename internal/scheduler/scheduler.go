// Package scheduler watches the events directory and turns event files into
// runner executions: immediately, once at a given instant, or on a cron
// schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coopco/supportbot/internal/cron"
	"github.com/coopco/supportbot/internal/events"
	"github.com/coopco/supportbot/internal/runner"
)

// Defaults for Config's timing knobs.
const (
	DefaultDebounce      = 100 * time.Millisecond
	DefaultPollInterval  = time.Second
	DefaultReadAttempts  = 3
	DefaultReadBackoff   = 100 * time.Millisecond
	DefaultRetryBase     = time.Second
	DefaultRetryMax      = 30 * time.Second
	DefaultSweepInterval = runner.SweepInterval

	// File timestamps come from a coarse kernel clock and can trail the
	// wall clock by a few ticks.
	staleSlack = 20 * time.Millisecond
)

// Config configures a Scheduler. Zero durations take the defaults above.
type Config struct {
	EventsDir      string
	DefaultSession string
	Pool           *runner.Pool

	Debounce      time.Duration
	PollInterval  time.Duration
	ReadAttempts  int
	ReadBackoff   time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = DefaultReadAttempts
	}
	if c.ReadBackoff <= 0 {
		c.ReadBackoff = DefaultReadBackoff
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type oneShot struct {
	event  events.Event
	fireAt time.Time
	gen    uint64
}

type retry struct {
	timer   *time.Timer
	attempt int
	gen     uint64
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

// Scheduler owns every timer, watch and cron entry derived from the events
// directory. A file's name is its identity: editing it replaces its
// schedule and deleting it cancels the schedule.
type Scheduler struct {
	cfg     Config
	pool    *runner.Pool
	cron    *cron.Service
	watcher *fsnotify.Watcher

	readEvent func(path string) (events.Event, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   time.Time
	running   bool
	known     map[string]events.Event
	gens      map[string]uint64
	debounces map[string]*time.Timer
	oneShots  map[string]oneShot
	polling   bool
	retries   map[string]*retry
	locks     map[string]*fileLock
}

// New creates a scheduler. It does nothing until Start.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		pool:      cfg.Pool,
		cron:      cron.NewService(),
		readEvent: events.ReadFile,
		known:     make(map[string]events.Event),
		gens:      make(map[string]uint64),
		debounces: make(map[string]*time.Timer),
		oneShots:  make(map[string]oneShot),
		retries:   make(map[string]*retry),
		locks:     make(map[string]*fileLock),
	}
}

// Start watches the events directory, processes the files already in it and
// begins periodic pool sweeps.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.EventsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.cfg.EventsDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.cfg.EventsDir, err)
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.watcher = watcher
	s.started = s.cfg.Now()
	s.running = true
	s.mu.Unlock()

	s.cron.Start()

	s.wg.Add(1)
	go s.watchLoop()

	entries, err := os.ReadDir(s.cfg.EventsDir)
	if err != nil {
		slog.Warn("events: failed to scan events directory", "dir", s.cfg.EventsDir, "error", err)
	}
	for _, e := range entries {
		if e.IsDir() || !events.IsEventFile(e.Name()) {
			continue
		}
		s.handleFileChange(e.Name())
	}

	s.wg.Add(1)
	go s.sweepLoop()

	slog.Info("events: scheduler started", "dir", s.cfg.EventsDir, "files", len(entries))
	return nil
}

// Stop cancels every pending schedule and shuts down the runner pool.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	for name, t := range s.debounces {
		t.Stop()
		delete(s.debounces, name)
	}
	for name, r := range s.retries {
		r.timer.Stop()
		delete(s.retries, name)
	}
	clear(s.oneShots)
	watcher := s.watcher
	s.mu.Unlock()

	var errs []error
	if err := watcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close watcher: %w", err))
	}
	if err := s.cron.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.wg.Wait()
	if err := s.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop runner pool: %w", err))
	}
	slog.Info("events: scheduler stopped")
	return errors.Join(errs...)
}

func (s *Scheduler) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !events.IsEventFile(name) || ev.Op == fsnotify.Chmod {
				continue
			}
			s.debounce(name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("events: watcher error", "error", err)
		case <-s.ctx.Done():
			return
		}
	}
}

// debounce coalesces bursts of changes to one file into a single
// handleFileChange once the file has been quiet for the debounce window.
func (s *Scheduler) debounce(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if t, ok := s.debounces[name]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		if s.debounces[name] != t || !s.running {
			s.mu.Unlock()
			return
		}
		delete(s.debounces, name)
		s.mu.Unlock()
		s.handleFileChange(name)
	})
	s.debounces[name] = t
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pool.Sweep(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) path(name string) string {
	return filepath.Join(s.cfg.EventsDir, name)
}
