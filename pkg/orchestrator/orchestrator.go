// Package orchestrator drives the submit → poll → resolve lifecycle of jobs
// against one compute backend.
//
// An Orchestrator owns the jobs it submits: it is the only component that
// changes their state. Polling uses bounded exponential backoff under a hard
// wall-clock deadline, retries transient transport failures a bounded number
// of times, and trusts only the first terminal state it observes. The proof
// of a succeeded job is cached, so repeated Result calls return the same
// value.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/jobregistry"
)

// Defaults applied to zero Config values.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultMaxRetries = 3
)

// Config configures an Orchestrator.
type Config struct {
	// Backoff is the delay schedule between status polls.
	// Default: 1s doubling to 30s
	Backoff backend.Backoff `mapstructure:"backoff"`

	// Timeout is the wall-clock deadline used when Wait is called without one.
	// Default: 5m
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxRetries bounds consecutive transient failures while polling.
	// Default: 3
	MaxRetries int `mapstructure:"max_retries"`

	// RateLimit is the maximum requests per second sent to the backend.
	// Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`

	// AllowedImages are doublestar patterns a task's docker_image must
	// match. Empty means any image (or none) is accepted.
	AllowedImages []string `mapstructure:"allowed_images"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Backoff:    backend.DefaultBackoff(),
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// Orchestrator submits and tracks jobs on a single compute backend.
//
// Orchestrator is safe for concurrent use. No lock is held across a backend
// call or a backoff sleep.
type Orchestrator struct {
	backend backend.ComputeBackend
	cfg     Config
	logger  *zap.Logger
	store   jobregistry.Store
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
}

type entry struct {
	job    Job
	result *backend.JobResult
	err    error

	// ctx is cancelled by Cancel to interrupt in-flight polls.
	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when the job reaches a terminal state.
	done chan struct{}
}

// New creates an orchestrator for b.
//
// Returns an error if an image pattern is invalid.
func New(b backend.ComputeBackend, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if b == nil {
		return nil, fmt.Errorf("orchestrator: compute backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	for _, p := range cfg.AllowedImages {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("orchestrator: invalid image pattern %q", p)
		}
	}

	o := &Orchestrator{
		backend: b,
		cfg:     cfg,
		logger:  logger.With(zap.String("backend", b.Name())),
		now:     time.Now,
		jobs:    map[string]*entry{},
	}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return o, nil
}

// WithStore records every job transition in s.
// Returns the orchestrator for method chaining.
func (o *Orchestrator) WithStore(s jobregistry.Store) *Orchestrator {
	o.store = s
	return o
}

// Backend returns the compute backend jobs are submitted to.
func (o *Orchestrator) Backend() backend.ComputeBackend {
	return o.backend
}

// Submit validates task and submits it. Failed submissions leave no job
// behind.
func (o *Orchestrator) Submit(ctx context.Context, task backend.TaskSpec) (Job, error) {
	if err := task.Validate(); err != nil {
		return Job{}, err
	}
	if err := o.checkImage(task.DockerImage); err != nil {
		return Job{}, err
	}
	task = task.WithDefaults()

	if err := o.limit(ctx); err != nil {
		return Job{}, err
	}
	id, err := o.backend.Submit(ctx, task)
	if err != nil {
		return Job{}, err
	}

	now := o.now().UTC()
	jobCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job: Job{
			ID:          id,
			Backend:     o.backend.Name(),
			Task:        task,
			State:       StateSubmitted,
			RemoteState: backend.StateSubmitted,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		ctx:    jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	if _, exists := o.jobs[id]; exists {
		o.mu.Unlock()
		cancel()
		return Job{}, fmt.Errorf("backend %s returned duplicate job id %s", o.backend.Name(), id)
	}
	o.jobs[id] = e
	snap := e.job
	o.mu.Unlock()

	o.logger.Info("Job submitted", zap.String("job_id", id), zap.String("task_type", task.TaskType))
	o.persist(ctx, snap, nil)
	return snap, nil
}

// Wait polls jobID until it is terminal or timeout elapses. A zero timeout
// uses the configured default.
//
// When the deadline passes the job is marked TimedOut locally and an error
// wrapping backend.ErrTimeout is returned; the remote job is not cancelled.
func (o *Orchestrator) Wait(ctx context.Context, jobID string, timeout time.Duration) (*backend.JobResult, error) {
	e, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}
	if res, ok, err := o.outcome(e); ok {
		return res, err
	}
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}

	pollCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()
	unhook := context.AfterFunc(e.ctx, stop)
	defer unhook()

	failures := 0
	for attempt := 0; ; attempt++ {
		res, done, err := o.poll(pollCtx, e)
		if done {
			return res, err
		}
		switch {
		case err == nil:
			failures = 0
		case pollCtx.Err() != nil:
		case backend.IsUnavailable(err):
			failures++
			if failures > o.cfg.MaxRetries {
				o.logger.Warn("Polling retries exhausted", zap.String("job_id", jobID), zap.Int("retries", o.cfg.MaxRetries), zap.Error(err))
				return nil, fmt.Errorf("poll job %s: retries exhausted: %w", jobID, err)
			}
			o.logger.Debug("Transient poll failure", zap.String("job_id", jobID), zap.Int("failures", failures), zap.Error(err))
		default:
			return nil, err
		}

		if !o.sleep(pollCtx, e, o.cfg.Backoff.Delay(attempt)) {
			return o.interrupted(ctx, e)
		}
	}
}

// Result returns the outcome of jobID. Without opts.Wait it performs one
// status query and returns an error wrapping backend.ErrNotReady if the job
// is still running.
func (o *Orchestrator) Result(ctx context.Context, jobID string, opts backend.ResultOptions) (*backend.JobResult, error) {
	e, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}
	if res, ok, err := o.outcome(e); ok {
		return res, err
	}
	if opts.Wait {
		return o.Wait(ctx, jobID, opts.Timeout)
	}

	res, done, err := o.poll(ctx, e)
	if done || err != nil {
		return res, err
	}
	return nil, backend.Wrap(o.backend.Name(), "Result", jobID, backend.ErrNotReady)
}

// Run submits task and waits for it.
//
// The returned Job is populated whenever submission succeeded, even if
// waiting failed.
func (o *Orchestrator) Run(ctx context.Context, task backend.TaskSpec, timeout time.Duration) (Job, *backend.JobResult, error) {
	job, err := o.Submit(ctx, task)
	if err != nil {
		return Job{}, nil, err
	}
	res, err := o.Wait(ctx, job.ID, timeout)
	if snap, lerr := o.Job(job.ID); lerr == nil {
		job = snap
	}
	return job, res, err
}

// Cancel stops local polling of jobID and asks the backend to cancel it if
// the backend supports that. A cancelled job never resolves to Succeeded,
// even if the remote job later completes.
//
// It returns false if the job was already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	e, err := o.lookup(jobID)
	if err != nil {
		return false, err
	}
	if !o.settle(ctx, e, StateCancelled, "cancelled by caller", nil, backend.Wrap(o.backend.Name(), "Cancel", jobID, backend.ErrCancelled)) {
		return false, nil
	}
	e.cancel()

	if c, ok := o.backend.(backend.Canceler); ok {
		if err := o.limit(ctx); err == nil {
			if _, err := c.Cancel(ctx, jobID); err != nil {
				o.logger.Warn("Remote cancel failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
	return true, nil
}

// Job returns a snapshot of jobID.
func (o *Orchestrator) Job(jobID string) (Job, error) {
	e, err := o.lookup(jobID)
	if err != nil {
		return Job{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.job, nil
}

// Jobs returns snapshots of all tracked jobs, oldest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	out := make([]Job, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.job)
	}
	o.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (o *Orchestrator) lookup(jobID string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownJob, jobID)
	}
	return e, nil
}

// outcome returns the cached terminal outcome, if any.
func (o *Orchestrator) outcome(e *entry) (*backend.JobResult, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !e.job.State.IsTerminal() {
		return nil, false, nil
	}
	if e.result == nil {
		return nil, true, e.err
	}
	res := *e.result
	return &res, true, nil
}

// poll performs one status observation and resolves the job when the
// backend reports a terminal state. done is true once the job is terminal.
func (o *Orchestrator) poll(ctx context.Context, e *entry) (*backend.JobResult, bool, error) {
	id := e.job.ID
	if err := o.limit(ctx); err != nil {
		return nil, false, err
	}
	st, err := o.backend.Status(ctx, id)
	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	if e.job.State.IsTerminal() {
		o.mu.Unlock()
		res, _, err := o.outcome(e)
		return res, true, err
	}
	first := e.job.State != StatePolling
	e.job.State = StatePolling
	e.job.RemoteState = st.State
	e.job.Progress = st.Progress
	e.job.Polls++
	e.job.UpdatedAt = o.now().UTC()
	snap := e.job
	o.mu.Unlock()

	if first {
		o.persist(ctx, snap, nil)
	}
	if !st.State.IsTerminal() {
		return nil, false, nil
	}

	switch st.State {
	case backend.StateSucceeded:
		if err := o.limit(ctx); err != nil {
			return nil, false, err
		}
		res, err := o.backend.Result(ctx, id, backend.ResultOptions{})
		if backend.IsNotReady(err) {
			// Status can run ahead of the result endpoint; poll again.
			o.logger.Debug("Result not yet available", zap.String("job_id", id))
			return nil, false, nil
		}
		if err != nil {
			var failed *backend.JobFailedError
			if errors.As(err, &failed) {
				o.settle(ctx, e, StateFailed, failed.Reason, nil, err)
				break
			}
			return nil, false, err
		}
		o.settle(ctx, e, StateSucceeded, "", res, nil)
	case backend.StateFailed:
		reason := st.Message
		if reason == "" {
			reason = "backend reported failure"
		}
		o.settle(ctx, e, StateFailed, reason, nil, &backend.JobFailedError{JobID: id, Reason: reason})
	default:
		state := stateFor(st.State)
		sentinel := backend.ErrCancelled
		if state == StateTimedOut {
			sentinel = backend.ErrTimeout
		}
		o.settle(ctx, e, state, "backend reported "+st.State.String(), nil, backend.Wrap(o.backend.Name(), "Result", id, sentinel))
	}

	res, _, err := o.outcome(e)
	return res, true, err
}

// settle moves e to a terminal state. The first terminal state wins; later
// calls are ignored and return false.
func (o *Orchestrator) settle(ctx context.Context, e *entry, state State, reason string, res *backend.JobResult, err error) bool {
	now := o.now().UTC()

	o.mu.Lock()
	if e.job.State.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	e.job.State = state
	e.job.Reason = reason
	e.job.UpdatedAt = now
	e.job.EndedAt = &now
	if state == StateSucceeded {
		e.job.Progress = 1
	}
	e.result = res
	e.err = err
	close(e.done)
	snap := e.job
	o.mu.Unlock()

	fields := []zap.Field{zap.String("job_id", snap.ID), zap.String("state", state.String())}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if res != nil {
		fields = append(fields, zap.String("execution_hash", res.Proof.ExecutionHash))
	}
	o.logger.Info("Job resolved", fields...)
	o.persist(ctx, snap, res)
	return true
}

// interrupted resolves a Wait whose poll context ended.
func (o *Orchestrator) interrupted(ctx context.Context, e *entry) (*backend.JobResult, error) {
	if res, ok, err := o.outcome(e); ok {
		return res, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	o.settle(ctx, e, StateTimedOut, "deadline exceeded", nil, backend.Wrap(o.backend.Name(), "Wait", e.job.ID, backend.ErrTimeout))
	res, _, err := o.outcome(e)
	return res, err
}

// sleep waits for d. It returns false if ctx ends or the job turns terminal
// first.
func (o *Orchestrator) sleep(ctx context.Context, e *entry, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) limit(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

func (o *Orchestrator) checkImage(image string) error {
	if len(o.cfg.AllowedImages) == 0 {
		return nil
	}
	image = strings.TrimSpace(image)
	if image == "" {
		return fmt.Errorf("%w: docker_image is required by the image policy", backend.ErrInvalidTask)
	}
	for _, p := range o.cfg.AllowedImages {
		if ok, _ := doublestar.Match(p, image); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: docker_image %q is not allowed", backend.ErrInvalidTask, image)
}

// persist writes a registry record. Registry failures are logged and never
// change the job outcome.
func (o *Orchestrator) persist(ctx context.Context, job Job, res *backend.JobResult) {
	if o.store == nil {
		return
	}
	updated := job.UpdatedAt
	rec := &jobregistry.JobRecord{
		JobID:        job.ID,
		Backend:      job.Backend,
		State:        job.State.JobState(),
		TaskType:     job.Task.TaskType,
		Model:        job.Task.Model,
		CodeIdentity: job.Task.CodeIdentity(),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    &updated,
		EndedAt:      job.EndedAt,
		Polls:        job.Polls,
		Reason:       job.Reason,
	}
	if res != nil {
		rec.ExecutionHash = res.Proof.ExecutionHash
		rec.DockerDigest = res.Proof.DockerDigest
		if d, err := res.Proof.Digest(); err == nil {
			rec.ProofDigest = d
		}
	}
	if err := o.store.Put(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("Failed to record job", zap.String("job_id", job.ID), zap.Error(err))
	}
}
