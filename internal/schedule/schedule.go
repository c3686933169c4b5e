// Package schedule submits a consolidation of a fixed source on a cron
// schedule, such as the monthly benefit run.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@monthly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// SubmitFunc queues a consolidation of source and returns the run ID.
type SubmitFunc func(source, trigger string) (string, error)

// Config holds the schedule and its target.
type Config struct {
	Expr   string
	Source string
	Submit SubmitFunc
	Logger *slog.Logger
}

// Scheduler fires Submit for Source on every tick of Expr.
type Scheduler struct {
	expr     string
	source   string
	submit   SubmitFunc
	schedule cronlib.Schedule
	logger   *slog.Logger
}

// New validates cfg and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, errors.New("schedule source is required")
	}
	if cfg.Submit == nil {
		return nil, errors.New("schedule submit function is required")
	}
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", cfg.Expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:     cfg.Expr,
		source:   cfg.Source,
		submit:   cfg.Submit,
		schedule: sched,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done, firing on schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cronlib.New(cronlib.WithParser(cronParser))
	c.Schedule(s.schedule, cronlib.FuncJob(s.Fire))
	c.Start()
	s.logger.Info("scheduler started", "cron", s.expr, "source", s.source, "next_run_at", s.Next(time.Now()))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Fire submits one run immediately.
func (s *Scheduler) Fire() {
	id, err := s.submit(s.source, "schedule")
	if err != nil {
		s.logger.Error("schedule: failed to submit run", "source", s.source, "error", err)
		return
	}
	s.logger.Info("schedule: run submitted", "run_id", id, "source", s.source, "next_run_at", s.Next(time.Now()))
}

// Next returns the first run time after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
