// Package cron runs the relay's named maintenance jobs on 5-field cron
// expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	expr     string
	schedule cronlib.Schedule
	fn       JobFunc
	nextRun  time.Time
	lastRun  time.Time
	lastErr  error
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name    string    `json:"name"`
	Expr    string    `json:"expr"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler ticks at a fixed interval and runs every job whose next run time
// has passed. Jobs run one at a time on the scheduler goroutine.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
		jobs:     make(map[string]*job),
	}
}

// Add registers or replaces the job called name. An empty expression disables
// the job.
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expr == "" {
		delete(s.jobs, name)
		return nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron job %q: %w", name, err)
	}
	s.jobs[name] = &job{
		name:     name,
		expr:     expr,
		schedule: sched,
		fn:       fn,
		nextRun:  sched.Next(s.now()),
	}
	return nil
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{Name: j.name, Expr: j.expr, NextRun: j.nextRun, LastRun: j.lastRun}
		if j.lastErr != nil {
			st.LastErr = j.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job once and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].name < due[k].name })

	for _, j := range due {
		s.fire(ctx, j, now)
	}
	return len(due)
}

func (s *Scheduler) fire(ctx context.Context, j *job, now time.Time) {
	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.lastRun = now
	j.lastErr = err
	j.nextRun = j.schedule.Next(now)
	next := j.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", j.name, "error", err)
		return
	}
	s.logger.Info("cron: job ran",
		"job", j.name,
		"duration_ms", time.Since(start).Milliseconds(),
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
