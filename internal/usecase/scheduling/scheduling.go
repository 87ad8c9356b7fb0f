// Package scheduling runs named recurring tasks at a fixed interval on a
// robfig/cron scheduler. A task never overlaps itself: a tick that finds the
// previous run still in flight is skipped. Different tasks run independently.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a recurring unit of work.
type Task struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration // per-run budget; zero means no limit beyond the scheduler context
	Run     func(ctx context.Context) error
}

// Scheduler runs tasks at fixed intervals.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			// Recover must sit inside SkipIfStillRunning: the skip guard only
			// releases its slot when the wrapped job returns normally.
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// AddTask schedules task. Names are unique within a scheduler.
func (s *Scheduler) AddTask(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("scheduler: task name is required")
	}
	if task.Every <= 0 {
		return fmt.Errorf("scheduler: task %q: interval must be positive, got %s", task.Name, task.Every)
	}
	if task.Run == nil {
		return fmt.Errorf("scheduler: task %q has no run function", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}

	logger := s.logger
	s.entries[task.Name] = s.cron.Schedule(NewConstantDelay(task.Every), cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil || ctx.Err() != nil {
			logger.Debug("scheduler stopped, skipping task", "task", task.Name)
			return
		}

		runCtx := ctx
		if task.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
			defer cancel()
		}

		start := time.Now()
		if err := task.Run(runCtx); err != nil {
			logger.Warn("scheduled task failed",
				"task", task.Name,
				"error", err,
				"duration", time.Since(start))
			return
		}
		logger.Debug("scheduled task completed",
			"task", task.Name,
			"duration", time.Since(start))
	}))

	logger.Debug("task added to scheduler", "task", task.Name, "every", task.Every)
	return nil
}

// RemoveTask unschedules a task by name. A run already in flight finishes.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// Start begins running the scheduler. Runs see ctx, cancelled on Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// Jobs read s.ctx under s.mu, so the lock must be free while we wait.
	<-s.cron.Stop().Done()
	return nil
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// NextRun returns the next run time of a task, or nil if it is unknown or
// the scheduler is not running.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// cronLogger adapts slog to cron.Logger. Cron's own chatter (wake, run,
// skip) goes to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
