package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coopco/supportbot/internal/cron"
	"github.com/coopco/supportbot/internal/events"
)

// handleFileChange reconciles the schedule for name with the file on disk.
func (s *Scheduler) handleFileChange(name string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.gens[name]++
	gen := s.gens[name]
	s.mu.Unlock()

	// Handlers for one file run one at a time; a handler that waited here
	// behind a newer change has nothing left to do.
	unlock := s.lockFile(name)
	defer unlock()
	if !s.current(name, gen) {
		return
	}
	s.mu.Lock()
	_, known := s.known[name]
	s.mu.Unlock()

	info, err := os.Stat(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			s.forget(name)
			return
		}
		slog.Warn("events: failed to stat event file", "file", name, "error", err)
		return
	}
	if known {
		s.cancelSchedule(name)
	}

	ev, err := s.readWithRetry(name)
	if errors.Is(err, os.ErrNotExist) {
		s.forget(name)
		return
	}
	if !s.current(name, gen) {
		return
	}
	if err != nil {
		slog.Error("events: invalid event file, deleting", "file", name, "error", err)
		s.deleteFile(name)
		return
	}

	s.mu.Lock()
	s.known[name] = ev
	s.mu.Unlock()

	switch ev.Type {
	case events.TypeImmediate:
		if info.ModTime().Before(s.started.Add(-staleSlack)) {
			slog.Debug("events: discarding stale immediate event", "file", name, "mtime", info.ModTime())
			s.deleteFile(name)
			return
		}
		s.dispatch(name, gen, ev)
	case events.TypeOneShot:
		s.scheduleOneShot(name, gen, ev)
	case events.TypePeriodic:
		s.schedulePeriodic(name, gen, ev)
	}
}

// readWithRetry reads name, retrying I/O failures with exponential
// backoff. Validation failures are returned at once. Once attempts are
// exhausted the last I/O error is reported as a parse failure.
func (s *Scheduler) readWithRetry(name string) (events.Event, error) {
	var lastErr error
	for i := 0; i < s.cfg.ReadAttempts; i++ {
		if i > 0 {
			select {
			case <-time.After(s.cfg.ReadBackoff << (i - 1)):
			case <-s.ctx.Done():
				return events.Event{}, s.ctx.Err()
			}
		}
		ev, err := s.readEvent(s.path(name))
		if err == nil {
			return ev, nil
		}
		var perr *events.ParseError
		if errors.As(err, &perr) || errors.Is(err, os.ErrNotExist) {
			return events.Event{}, err
		}
		slog.Debug("events: read failed, retrying", "file", name, "attempt", i+1, "error", err)
		lastErr = err
	}
	return events.Event{}, &events.ParseError{
		Filename: name,
		Msg:      fmt.Sprintf("unreadable after %d attempts: %v", s.cfg.ReadAttempts, lastErr),
	}
}

func (s *Scheduler) current(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gens[name] == gen
}

func (s *Scheduler) scheduleOneShot(name string, gen uint64, ev events.Event) {
	fireAt, err := ev.FireTime()
	if !s.current(name, gen) {
		return
	}
	if err != nil {
		slog.Error("events: invalid one-shot time, deleting", "file", name, "at", ev.At, "error", err)
		s.deleteFile(name)
		return
	}
	if fireAt.Before(s.cfg.Now()) {
		slog.Info("events: one-shot time has passed, deleting", "file", name, "at", ev.At)
		s.deleteFile(name)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[name] != gen || !s.running {
		return
	}
	s.oneShots[name] = oneShot{event: ev, fireAt: fireAt, gen: gen}
	slog.Info("events: one-shot scheduled", "file", name, "at", fireAt)
	if !s.polling {
		s.polling = true
		s.wg.Add(1)
		go s.pollOneShots()
	}
}

// pollOneShots fires due one-shots until none are pending.
func (s *Scheduler) pollOneShots() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			s.mu.Lock()
			s.polling = false
			s.mu.Unlock()
			return
		}

		now := s.cfg.Now()
		type due struct {
			name string
			oneShot
		}
		var fire []due
		s.mu.Lock()
		for name, pending := range s.oneShots {
			if !pending.fireAt.After(now) {
				fire = append(fire, due{name, pending})
				delete(s.oneShots, name)
			}
		}
		empty := len(s.oneShots) == 0
		if empty {
			s.polling = false
		}
		s.mu.Unlock()

		for _, d := range fire {
			s.dispatchIfCurrent(d.name, d.gen, d.event)
		}
		if empty {
			return
		}
	}
}

func (s *Scheduler) schedulePeriodic(name string, gen uint64, ev events.Event) {
	s.mu.Lock()
	if s.gens[name] != gen || !s.running {
		s.mu.Unlock()
		return
	}
	job := cron.Job{Name: name, Schedule: ev.Schedule, Timezone: ev.Timezone}
	err := s.cron.Add(job, func() { s.firePeriodic(name, gen, ev) })
	s.mu.Unlock()
	if err != nil {
		slog.Error("events: invalid periodic schedule, deleting", "file", name, "schedule", ev.Schedule, "timezone", ev.Timezone, "error", err)
		s.deleteFile(name)
		return
	}
	next, _ := s.cron.Next(name)
	slog.Info("events: periodic scheduled", "file", name, "schedule", ev.Schedule, "timezone", ev.Timezone, "next", next)
}

// lockFile serialises work on one event file: reading, scheduling and
// dispatching it. The returned func releases the lock.
func (s *Scheduler) lockFile(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &fileLock{}
		s.locks[name] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

// cancelSchedule drops any pending one-shot, cron entry or redispatch for
// name, keeping it known.
func (s *Scheduler) cancelSchedule(name string) {
	s.cron.Remove(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oneShots, name)
	if r, ok := s.retries[name]; ok {
		r.timer.Stop()
		delete(s.retries, name)
	}
}

// forget cancels every schedule for name and drops it from the known set.
func (s *Scheduler) forget(name string) {
	s.cancelSchedule(name)
	s.mu.Lock()
	_, known := s.known[name]
	delete(s.known, name)
	s.mu.Unlock()
	if known {
		slog.Info("events: event removed", "file", name)
	}
}

// deleteFile removes name from disk and forgets it. The watcher's remove
// notification is then a no-op.
func (s *Scheduler) deleteFile(name string) {
	s.forget(name)
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("events: failed to delete event file", "file", name, "error", err)
	}
}
