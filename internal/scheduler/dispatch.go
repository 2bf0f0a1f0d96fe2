package scheduler

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/coopco/supportbot/internal/events"
	"github.com/coopco/supportbot/internal/runner"
	"github.com/coopco/supportbot/internal/session"
)

// deferrable errors leave the event file in place for a later attempt.
func deferrable(err error) bool {
	return errors.Is(err, runner.ErrSaturated) ||
		errors.Is(err, runner.ErrPoolExhausted) ||
		errors.Is(err, runner.ErrRunnerClosed)
}

// sessionFor maps the event's session to a safe session id.
func (s *Scheduler) sessionFor(ev events.Event) string {
	if id := session.SanitizeID(ev.Session); id != "" {
		return id
	}
	return s.cfg.DefaultSession
}

// execute hands ev to the runner for its session.
func (s *Scheduler) execute(name string, ev events.Event) error {
	id := s.sessionFor(ev)
	s.pool.Sweep(s.ctx)
	r, err := s.pool.Acquire(s.ctx, id)
	if err != nil {
		return err
	}
	if err := r.Enqueue(runner.Execution{Filename: name, Event: ev}); err != nil {
		return err
	}
	slog.Info("events: dispatched", "file", name, "type", ev.Type, "session", id)
	return nil
}

// dispatch executes an immediate or one-shot event and deletes its file.
// When the runner cannot take it yet the file stays and the event is
// redispatched with exponential backoff. Caller must hold the file lock.
func (s *Scheduler) dispatch(name string, gen uint64, ev events.Event) {
	err := s.execute(name, ev)
	switch {
	case err == nil:
		s.deleteFile(name)
	case deferrable(err):
		s.scheduleRetry(name, gen, ev, err)
	default:
		slog.Error("events: dispatch failed, deleting", "file", name, "error", err)
		s.deleteFile(name)
	}
}

// dispatchIfCurrent dispatches ev unless the file changed since gen.
func (s *Scheduler) dispatchIfCurrent(name string, gen uint64, ev events.Event) {
	unlock := s.lockFile(name)
	defer unlock()
	if !s.current(name, gen) {
		return
	}
	s.dispatch(name, gen, ev)
}

// scheduleRetry arranges another attempt at ev after a backoff delay that
// doubles per attempt up to RetryMax. A file has at most one pending retry;
// scheduling again replaces it.
func (s *Scheduler) scheduleRetry(name string, gen uint64, ev events.Event, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gens[name] != gen {
		return
	}

	r, ok := s.retries[name]
	if !ok {
		r = &retry{}
		s.retries[name] = r
	} else {
		r.timer.Stop()
	}
	r.gen = gen
	delay := s.cfg.RetryBase << r.attempt
	if delay >= s.cfg.RetryMax {
		delay = s.cfg.RetryMax
	} else {
		r.attempt++
	}

	slog.Warn("events: runner busy, deferring event", "file", name, "type", ev.Type, "delay", delay, "reason", cause)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		unlock := s.lockFile(name)
		defer unlock()

		s.mu.Lock()
		cur, ok := s.retries[name]
		if !ok || cur.timer != t || !s.running || s.gens[name] != gen {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if ev.Type == events.TypePeriodic {
			s.runPeriodic(name, gen, ev)
			return
		}
		s.dispatch(name, gen, ev)
	})
	r.timer = t
}

func (s *Scheduler) clearRetry(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.retries[name]; ok {
		r.timer.Stop()
		delete(s.retries, name)
	}
}

// firePeriodic runs one cron activation of a periodic event.
func (s *Scheduler) firePeriodic(name string, gen uint64, ev events.Event) {
	unlock := s.lockFile(name)
	defer unlock()
	if !s.current(name, gen) {
		return
	}
	s.runPeriodic(name, gen, ev)
}

// runPeriodic executes a periodic event. A busy runner defers the firing
// like any other event; a later successful firing supersedes a pending
// retry. The file is never deleted. Caller must hold the file lock.
func (s *Scheduler) runPeriodic(name string, gen uint64, ev events.Event) {
	err := s.execute(name, ev)
	switch {
	case err == nil:
		s.clearRetry(name)
	case deferrable(err):
		s.scheduleRetry(name, gen, ev, err)
	default:
		slog.Error("events: periodic firing failed", "file", name, "error", err)
	}
}

// OneShotStatus is a pending one-shot event.
type OneShotStatus struct {
	File   string
	FireAt time.Time
}

// PeriodicStatus is a registered periodic event.
type PeriodicStatus struct {
	File     string
	Schedule string
	Timezone string
	Next     time.Time
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running  bool
	Started  time.Time
	Known    []string
	OneShots []OneShotStatus
	Periodic []PeriodicStatus
	Deferred []string
	Runners  int
}

// Status reports what the scheduler is tracking.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running, Started: s.started}
	for name := range s.known {
		st.Known = append(st.Known, name)
	}
	for name, p := range s.oneShots {
		st.OneShots = append(st.OneShots, OneShotStatus{File: name, FireAt: p.fireAt})
	}
	for name := range s.retries {
		st.Deferred = append(st.Deferred, name)
	}
	s.mu.Unlock()

	for _, job := range s.cron.ListJobs() {
		next, _ := s.cron.Next(job.Name)
		st.Periodic = append(st.Periodic, PeriodicStatus{File: job.Name, Schedule: job.Schedule, Timezone: job.Timezone, Next: next})
	}
	st.Runners = s.pool.Len()

	sort.Strings(st.Known)
	sort.Strings(st.Deferred)
	sort.Slice(st.OneShots, func(i, j int) bool { return st.OneShots[i].FireAt.Before(st.OneShots[j].FireAt) })
	return st
}
