// Package scheduler wraps robfig/cron for periodic maintenance work.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs background maintenance jobs on cron expressions.
type Scheduler struct {
	c *cron.Cron
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{c: cron.New()}
}

// AddJob registers fn to fire on the given cron expression.
func (s *Scheduler) AddJob(expr string, fn func()) error {
	if _, err := s.c.AddFunc(expr, fn); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	slog.Info("scheduler: job added", "cron", expr)
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop gracefully.
func (s *Scheduler) Stop() {
	s.c.Stop()
}
