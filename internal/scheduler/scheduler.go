// Package scheduler runs the periodic maintenance jobs of Insight: the
// retrieval index rebuild and rate limiter housekeeping.
//
// Jobs never overlap with themselves: a run that is still in progress when
// its next tick arrives causes that tick to be skipped.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Scheduler fires registered jobs on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job under name with a 5-field cron expression (or a
// descriptor such as "@every 10m").
func (s *Scheduler) Add(name, spec string, job Job) error {
	if name == "" || job == nil {
		return errors.New("scheduler: job name and function are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(s.context(), name, job) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", spec, name, err)
	}
	s.entries[name] = id
	s.logger.Info("scheduled job registered",
		slog.String("job", name),
		slog.String("schedule", spec),
	)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// NextRun reports when the named job fires next. It is zero before Start.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing jobs. Returns a cancel function that stops the
// scheduler and waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	jobs := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", jobs))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// RunNow fires the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string, job Job) error {
	return s.run(ctx, name, job)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, name string, job Job) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	correlationID := newCorrelationID()
	start := time.Now()
	s.logger.InfoContext(ctx, "firing scheduled job",
		slog.String("job", name),
		slog.String("correlation_id", correlationID),
	)
	s.metrics.fired(name)

	err := job(ctx)
	elapsed := time.Since(start)
	s.metrics.observe(name, elapsed, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", name),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.InfoContext(ctx, "scheduled job finished",
		slog.String("job", name),
		slog.String("correlation_id", correlationID),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// ComputeNextRunFrom computes the next run time of expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
