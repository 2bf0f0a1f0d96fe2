// Package cron runs named periodic jobs on robfig/cron with a per-job
// timezone.
package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"
)

// Job describes a registered periodic job.
type Job struct {
	Name     string
	Schedule string // 5-field expression or @descriptor
	Timezone string // IANA zone
}

// Spec validates timezone and returns the robfig spec that evaluates
// schedule in it.
func Spec(schedule, timezone string) (string, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return "", fmt.Errorf("empty schedule")
	}
	if strings.HasPrefix(schedule, "CRON_TZ=") || strings.HasPrefix(schedule, "TZ=") {
		return "", fmt.Errorf("schedule %q must not carry a timezone prefix", schedule)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return fmt.Sprintf("CRON_TZ=%s %s", timezone, schedule), nil
}

type Service struct {
	scheduler *robfigcron.Cron
	mu        sync.Mutex
	entries   map[string]robfigcron.EntryID
	jobs      map[string]Job
}

func NewService() *Service {
	return &Service{
		scheduler: robfigcron.New(),
		entries:   make(map[string]robfigcron.EntryID),
		jobs:      make(map[string]Job),
	}
}

// Start begins the cron scheduler.
func (s *Service) Start() {
	s.scheduler.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	done := s.scheduler.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron jobs still running: %w", ctx.Err())
	}
}

// Add registers fn under job.Name, replacing any job with that name.
func (s *Service) Add(job Job, fn func()) error {
	spec, err := Spec(job.Schedule, job.Timezone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[job.Name]; ok {
		s.scheduler.Remove(old)
		delete(s.entries, job.Name)
		delete(s.jobs, job.Name)
	}

	entryID, err := s.scheduler.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	s.entries[job.Name] = entryID
	s.jobs[job.Name] = job
	return nil
}

// Remove unregisters the named job and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return false
	}
	s.scheduler.Remove(entryID)
	delete(s.entries, name)
	delete(s.jobs, name)
	return true
}

// Next returns the next activation of the named job. It is zero until the
// scheduler has started.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.scheduler.Entry(entryID).Next, true
}

// ListJobs returns all registered jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
