// Package jobs is a small in-memory runner for the daemon's background
// operations. API handlers submit work here and return a job id immediately;
// clients poll the id for the result. Jobs run one goroutine each under a
// deadline, and a watchdog marks anything that outlives its deadline as
// failed so a wedged job can never look "running" forever.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

const (
	watchdogGrace  = 5 * time.Second
	historyLimit   = 200
	defaultTimeout = 10 * time.Minute
)

// Job is a snapshot of one background operation.
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type job struct {
	Job
	timeout time.Duration
	cancel  context.CancelFunc
}

// Fn is the work a job performs. The context carries the job's deadline.
type Fn func(ctx context.Context) (any, error)

// Runner owns job state and execution.
type Runner struct {
	mu     sync.Mutex
	jobs   map[string]*job
	logger zerolog.Logger
}

func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		jobs:   map[string]*job{},
		logger: logger.With().Str("component", "jobs").Logger(),
	}
}

// Submit registers and starts a job, returning its snapshot immediately.
func (r *Runner) Submit(name string, timeout time.Duration, fn Fn) Job {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	j := &job{
		Job: Job{
			ID:        uuid.NewString(),
			Name:      name,
			State:     StateQueued,
			CreatedAt: time.Now().UTC(),
		},
		timeout: timeout,
		cancel:  cancel,
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.pruneLocked()
	r.mu.Unlock()

	go r.run(ctx, cancel, j, fn)
	return j.Job
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, j *job, fn Fn) {
	defer cancel()

	now := time.Now().UTC()
	r.mu.Lock()
	if j.State == StateCancelled {
		r.mu.Unlock()
		return
	}
	j.State = StateRunning
	j.StartedAt = &now
	r.mu.Unlock()

	r.logger.Info().Str("job_id", j.ID).Str("name", j.Name).Msg("job started")
	result, err := fn(ctx)

	done := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.State != StateRunning {
		return // watchdog or cancel got there first
	}
	j.FinishedAt = &done
	if err != nil {
		j.State = StateFailed
		j.Error = err.Error()
		r.logger.Error().Err(err).Str("job_id", j.ID).Str("name", j.Name).Msg("job failed")
		return
	}
	j.State = StateDone
	j.Result = result
	r.logger.Info().Str("job_id", j.ID).Str("name", j.Name).
		Dur("elapsed", done.Sub(*j.StartedAt)).Msg("job done")
}

// Get returns a job snapshot. A running job past its deadline plus grace is
// flipped to failed here, so pollers always see a terminal state eventually.
func (r *Runner) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	r.watchdogLocked(j)
	return j.Job, true
}

// List returns all known jobs, newest first.
func (r *Runner) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		r.watchdogLocked(j)
		out = append(out, j.Job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Cancel stops a queued or running job.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || (j.State != StateQueued && j.State != StateRunning) {
		return false
	}
	j.cancel()
	now := time.Now().UTC()
	j.State = StateCancelled
	j.FinishedAt = &now
	r.logger.Info().Str("job_id", j.ID).Str("name", j.Name).Msg("job cancelled")
	return true
}

func (r *Runner) watchdogLocked(j *job) {
	if j.State != StateRunning || j.StartedAt == nil {
		return
	}
	if time.Since(*j.StartedAt) <= j.timeout+watchdogGrace {
		return
	}
	j.cancel()
	now := time.Now().UTC()
	j.State = StateFailed
	j.Error = "job watchdog timeout"
	j.FinishedAt = &now
	r.logger.Warn().Str("job_id", j.ID).Str("name", j.Name).Msg("job watchdog timeout")
}

// pruneLocked caps history, dropping the oldest terminal jobs first.
func (r *Runner) pruneLocked() {
	if len(r.jobs) <= historyLimit {
		return
	}
	var terminal []*job
	for _, j := range r.jobs {
		switch j.State {
		case StateDone, StateFailed, StateCancelled:
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(i, k int) bool { return terminal[i].CreatedAt.Before(terminal[k].CreatedAt) })
	for _, j := range terminal {
		if len(r.jobs) <= historyLimit {
			break
		}
		delete(r.jobs, j.ID)
	}
}
