// Package scheduler runs ClawGate's background maintenance: reaping crashed
// and idle sandboxes, sweeping expired sessions, purging retained
// invocation results and verifying the audit chain. Schedules use
// robfig/cron expressions, including the @every shorthand.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc performs one run of a job and returns a short summary.
type RunFunc func(ctx context.Context) (string, error)

// Job is a recurring maintenance task.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Schedule is a cron expression or descriptor (@every 15s, @daily).
	Schedule string

	// Timeout overrides the scheduler's job timeout.
	Timeout time.Duration

	// Exact disables the stagger applied to top-of-hour schedules.
	Exact bool

	Run RunFunc
}

// JobStatus is a snapshot of a job's run history.
type JobStatus struct {
	ID              string        `json:"id"`
	Schedule        string        `json:"schedule"`
	Running         bool          `json:"running"`
	RunCount        int           `json:"run_count"`
	LastRunAt       time.Time     `json:"last_run_at,omitzero"`
	LastRunDuration time.Duration `json:"last_run_duration,omitempty"`
	LastResult      string        `json:"last_result,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

type entry struct {
	job     Job
	cronID  cron.EntryID
	running bool
	status  JobStatus
}

// Scheduler runs registered jobs on their schedules. A job never overlaps
// with itself: a tick that fires while the previous run is active is
// skipped.
type Scheduler struct {
	jobTimeout time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*entry
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. jobTimeout bounds each run; zero means 1m.
func New(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "scheduler"),
		jobs:       make(map[string]*entry),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
// Plain-English schedules are normalized first.
func (s *Scheduler) Add(job Job) error {
	job.Schedule = NormalizeSchedule(job.Schedule)
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.ID)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run function is required", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	e := &entry{job: job, status: JobStatus{ID: job.ID, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(e, false) })
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}
	e.cronID = id
	s.jobs[job.ID] = e

	s.logger.Debug("job added", "id", job.ID, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job. A run in progress finishes.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	s.cron.Remove(e.cronID)
	delete(s.jobs, id)
	s.logger.Info("job removed", "id", id)
	return nil
}

// List returns job statuses sorted by id.
func (s *Scheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.status
		st.Running = e.running
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow runs a job synchronously, outside its schedule. It returns an
// error if the job is unknown or already running.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	if !s.execute(e, true) {
		return fmt.Errorf("job %q is already running", id)
	}
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop stops firing schedules, cancels running jobs and waits for them up
// to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// minJobInterval keeps a job from running twice within the same tick
// boundary.
const minJobInterval = time.Second

// execute runs one job with the overlap guard, panic recovery and timeout.
// Manual runs skip the tick guard and the stagger. It reports whether the
// job ran.
func (s *Scheduler) execute(e *entry, manual bool) (ran bool) {
	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", e.job.ID)
		return false
	}
	if !manual && !e.status.LastRunAt.IsZero() && time.Since(e.status.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", e.job.ID)
		return false
	}
	e.running = true
	s.mu.Unlock()

	start := time.Now()
	var (
		result string
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			ran = true
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "id", e.job.ID, "panic", r)
		}
		s.mu.Lock()
		e.running = false
		e.status.RunCount++
		e.status.LastRunAt = start
		e.status.LastRunDuration = time.Since(start)
		e.status.LastResult = result
		e.status.LastError = ""
		if err != nil {
			e.status.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	if stagger := resolveStagger(e.job); stagger > 0 && !manual {
		select {
		case <-time.After(stagger):
		case <-s.ctx.Done():
			return true
		}
	}

	timeout := s.jobTimeout
	if e.job.Timeout > 0 {
		timeout = e.job.Timeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	result, err = e.job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", "id", e.job.ID, "error", err, "duration", time.Since(start))
	} else if result != "" {
		s.logger.Debug("scheduled job completed", "id", e.job.ID, "result", result, "duration", time.Since(start))
	}
	return true
}

// resolveStagger spreads top-of-hour jobs over a five minute window with a
// delay derived from the job id.
func resolveStagger(job Job) time.Duration {
	if job.Exact || !isTopOfHourSchedule(job.Schedule) {
		return 0
	}
	return resolveStableCronOffset(job.ID, 5*time.Minute)
}

func resolveStableCronOffset(jobID string, maxStagger time.Duration) time.Duration {
	h := sha256.Sum256([]byte(jobID))
	n := binary.BigEndian.Uint32(h[:4])
	ms := int64(n) % maxStagger.Milliseconds()
	return time.Duration(ms) * time.Millisecond
}

// isTopOfHourSchedule detects schedules such as "0 * * * *" or "@daily".
func isTopOfHourSchedule(schedule string) bool {
	s := strings.TrimSpace(strings.ToLower(schedule))
	switch s {
	case "@hourly", "@daily", "@midnight", "@weekly", "@monthly", "@yearly", "@annually":
		return true
	}
	fields := strings.Fields(s)
	return len(fields) >= 5 && fields[0] == "0"
}
