// Package cron runs the background maintenance schedules: webhook-job
// window pruning, periodic vector-index persistence, and scratch-directory
// sweeps. Schedules are standard five-field cron expressions evaluated by
// gronx once a minute.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Task is one scheduled job.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler ticks once a minute and fires due tasks.
type Scheduler struct {
	gron  *gronx.Gronx
	tasks []Task
	mu    sync.Mutex
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{gron: gronx.New()}
}

// Add registers a task. Invalid specs are rejected at registration, not at
// tick time.
func (s *Scheduler) Add(t Task) error {
	if !s.gron.IsValid(t.Spec) {
		return &InvalidSpecError{Name: t.Name, Spec: t.Spec}
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return nil
}

// InvalidSpecError reports a malformed cron expression.
type InvalidSpecError struct {
	Name string
	Spec string
}

func (e *InvalidSpecError) Error() string {
	return "cron: invalid spec " + e.Spec + " for task " + e.Name
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	// Schedules have minute resolution; evaluate at the start of the minute.
	now := time.Now().Truncate(time.Minute)
	for _, t := range tasks {
		due, err := s.gron.IsDue(t.Spec, now)
		if err != nil || !due {
			continue
		}
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			slog.Warn("cron task failed", "task", t.Name, "error", err)
			continue
		}
		slog.Debug("cron task ran", "task", t.Name, "elapsed", time.Since(start).Round(time.Millisecond))
	}
}
