// Package scheduler re-runs the pipeline on a fixed cadence so the merged table
// (and the cache in front of it) never gets older than one period.
//
// Runs are aligned to period boundaries in UTC (an hourly job fires at :00), the
// loop polls on a ticker and stops with its context. Every run is still a
// batch, run-to-completion pipeline invocation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/pipeline"
)

// Config configures the scheduler behavior
type Config struct {
	Every             time.Duration // Period between runs of the same job
	TickInterval      time.Duration // How often due jobs are checked
	MaxConcurrentJobs int
	AlignToBoundary   bool // Fire on multiples of Every (UTC) instead of Every after start
	RunOnStart        bool // Run every job once immediately
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Every:             time.Hour,
		TickInterval:      time.Minute,
		MaxConcurrentJobs: 2,
		AlignToBoundary:   true,
		RunOnStart:        true,
	}
}

// Sink receives the outcome of every run that produced rows.
type Sink func(ctx context.Context, job Job, out pipeline.Outcome) error

// Job is one parameter set refreshed on the schedule.
type Job struct {
	ID      string
	Params  pipeline.Params
	NextRun time.Time
}

// Stats provides scheduler counters
type Stats struct {
	TotalJobs     int
	RunningJobs   int64
	CompletedJobs int64
	EmptyRuns     int64
	FailedJobs    int64
	LastRunTime   time.Time
	NextRunTime   time.Time
	UptimeSeconds int64
}

// Scheduler runs jobs against a pipeline.Runner.
type Scheduler struct {
	config Config
	runner pipeline.Runner
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	jobs        map[string]*Job
	lastRunTime time.Time

	isRunning     int32
	runningJobs   int64
	completedJobs int64
	emptyRuns     int64
	failedJobs    int64
	startTime     time.Time

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. A nil sink discards outcomes.
func New(cfg Config, runner pipeline.Runner, sink Sink, logger *slog.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Every <= 0 {
		cfg.Every = defaults.Every
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if sink == nil {
		sink = func(context.Context, Job, pipeline.Outcome) error { return nil }
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config: cfg,
		runner: runner,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*Job),
		sem:    make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// JobID identifies the job for p.
func JobID(p pipeline.Params) string {
	return p.Ticker + "@" + p.URL
}

// AddJob registers p. Adding the same parameters twice is an error.
func (s *Scheduler) AddJob(p pipeline.Params) (Job, error) {
	if err := p.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := JobID(p)
	if _, exists := s.jobs[id]; exists {
		return Job{}, fmt.Errorf("job %s already scheduled", id)
	}

	job := &Job{ID: id, Params: p, NextRun: s.nextRun(s.now())}
	if s.config.RunOnStart {
		job.NextRun = s.now()
	}
	s.jobs[id] = job
	return *job, nil
}

// RemoveJob unregisters the job with the given id.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a snapshot of the registered jobs ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

// Start launches the scheduling loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}

	s.logger.Info("starting refresh scheduler",
		"every", s.config.Every,
		"tick_interval", s.config.TickInterval,
		"jobs", len(s.Jobs()),
		"aligned", s.config.AlignToBoundary)

	s.startTime = s.now()
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for in-flight runs, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		return fmt.Errorf("scheduler is not running")
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("refresh scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for scheduled runs to finish: %w", ctx.Err())
	}
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// GetStats returns current counters.
func (s *Scheduler) GetStats() Stats {
	jobs := s.Jobs()

	s.mu.RLock()
	last := s.lastRunTime
	s.mu.RUnlock()

	stats := Stats{
		TotalJobs:     len(jobs),
		RunningJobs:   atomic.LoadInt64(&s.runningJobs),
		CompletedJobs: atomic.LoadInt64(&s.completedJobs),
		EmptyRuns:     atomic.LoadInt64(&s.emptyRuns),
		FailedJobs:    atomic.LoadInt64(&s.failedJobs),
		LastRunTime:   last,
	}
	for _, j := range jobs {
		if stats.NextRunTime.IsZero() || j.NextRun.Before(stats.NextRunTime) {
			stats.NextRunTime = j.NextRun
		}
	}
	if s.IsRunning() {
		stats.UptimeSeconds = int64(s.now().Sub(s.startTime).Seconds())
	}
	return stats
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue starts every job whose NextRun has passed and reschedules it.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	var due []Job
	s.mu.Lock()
	for _, j := range s.jobs {
		if !j.NextRun.After(now) {
			due = append(due, *j)
			j.NextRun = s.nextRun(now)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.execute(ctx, job)
		}(job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	atomic.AddInt64(&s.runningJobs, 1)
	defer atomic.AddInt64(&s.runningJobs, -1)

	s.mu.Lock()
	s.lastRunTime = s.now()
	s.mu.Unlock()

	out := s.runner.Run(ctx, job.Params)
	if out.Empty() {
		atomic.AddInt64(&s.emptyRuns, 1)
		s.logger.WarnContext(ctx, "scheduled run produced no data",
			"job_id", job.ID,
			"run_id", out.RunID,
			"stage", out.Stage)
		return
	}

	if err := s.sink(ctx, job, out); err != nil {
		atomic.AddInt64(&s.failedJobs, 1)
		s.logger.ErrorContext(ctx, "failed to publish scheduled run",
			"job_id", job.ID,
			"run_id", out.RunID,
			"error", err)
		return
	}

	atomic.AddInt64(&s.completedJobs, 1)
	s.logger.InfoContext(ctx, "scheduled run completed",
		"job_id", job.ID,
		"run_id", out.RunID,
		"rows", out.Table.Len(),
		"cached", out.Cached)
}

// nextRun returns the next firing time after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	if !s.config.AlignToBoundary {
		return now.Add(s.config.Every)
	}
	return NextBoundary(now, s.config.Every)
}

// NextBoundary returns the first multiple of every strictly after t. Periods that
// divide a day land on UTC hours and midnights.
func NextBoundary(t time.Time, every time.Duration) time.Time {
	if every <= 0 {
		return t
	}
	return t.UTC().Truncate(every).Add(every)
}
