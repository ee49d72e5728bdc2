// Package local implements in-process compute and storage backends.
//
// The compute backend runs deterministic handlers keyed by task type on
// goroutines, following the same submit/status/result lifecycle a remote
// provider exposes. The storage backend is content addressed and keeps blobs
// in memory or under a directory.
package local

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/proof"
)

// Kind is the registry name of the local backends.
const Kind = "local"

// Handler computes the output of one task. It must be deterministic in its
// inputs and should return promptly once ctx is cancelled.
type Handler func(ctx context.Context, task backend.TaskSpec) (any, error)

// ComputeConfig configures a local compute backend.
type ComputeConfig struct {
	// Latency is how long a job stays running before its handler result is
	// published.
	Latency time.Duration `mapstructure:"latency"`

	// DockerDigest is reported for tasks whose image reference carries no
	// digest of its own.
	DockerDigest string `mapstructure:"docker_digest"`

	// SigningKey is a hex encoded Ed25519 seed. When set, proofs are signed
	// and carry the matching public key.
	SigningKey string `mapstructure:"signing_key"`
}

// Compute is an in-process ComputeBackend.
type Compute struct {
	name   string
	cfg    ComputeConfig
	signer ed25519.PrivateKey
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*job
}

type job struct {
	task     backend.TaskSpec
	state    backend.JobState
	progress float64
	reason   string
	result   *backend.JobResult
	done     chan struct{}
	cancel   context.CancelFunc
}

var (
	_ backend.ComputeBackend = (*Compute)(nil)
	_ backend.Canceler       = (*Compute)(nil)
	_ backend.HealthChecker  = (*Compute)(nil)
)

// NewCompute creates a local compute backend with the echo handler as the
// fallback for unregistered task types.
func NewCompute(name string, cfg ComputeConfig, logger *zap.Logger) (*Compute, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = Kind
	}
	c := &Compute{
		name:     name,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: map[string]Handler{},
		jobs:     map[string]*job{},
	}
	if cfg.SigningKey != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.SigningKey, "0x"))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("local compute: signing_key must be a %d byte hex seed", ed25519.SeedSize)
		}
		c.signer = ed25519.NewKeyFromSeed(seed)
	}
	return c, nil
}

// NewComputeFromSettings is the registry factory for local compute.
func NewComputeFromSettings(_ context.Context, name string, settings map[string]any, logger *zap.Logger) (backend.ComputeBackend, error) {
	var cfg ComputeConfig
	if err := backend.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return NewCompute(name, cfg, logger)
}

// Handle registers h for taskType, replacing any previous handler.
func (c *Compute) Handle(taskType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(strings.TrimSpace(taskType))] = h
}

// Name returns the configured backend name.
func (c *Compute) Name() string {
	return c.name
}

// Health always succeeds; the backend runs in process.
func (c *Compute) Health(context.Context) error {
	return nil
}

// Submit starts task on a goroutine and returns immediately.
func (c *Compute) Submit(_ context.Context, task backend.TaskSpec) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	task = task.WithDefaults()

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		task:   task,
		state:  backend.StateSubmitted,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	c.mu.Lock()
	c.jobs[id] = j
	h := c.handlerFor(task.TaskType)
	c.mu.Unlock()

	c.logger.Debug("Job submitted", zap.String("job_id", id), zap.String("task_type", task.TaskType))
	go c.run(runCtx, id, j, h)
	return id, nil
}

func (c *Compute) handlerFor(taskType string) Handler {
	if h, ok := c.handlers[strings.ToLower(strings.TrimSpace(taskType))]; ok {
		return h
	}
	return Echo
}

func (c *Compute) run(ctx context.Context, id string, j *job, h Handler) {
	defer j.cancel()

	if !c.transition(j, backend.StateRunning, 0.1) {
		return
	}

	if c.cfg.Latency > 0 {
		t := time.NewTimer(c.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	output, err := h(ctx, j.task)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.finish(j, backend.StateFailed, err.Error(), nil)
		c.logger.Debug("Job failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	p, err := c.buildProof(j.task, output)
	if err != nil {
		c.finish(j, backend.StateFailed, err.Error(), nil)
		return
	}
	c.finish(j, backend.StateSucceeded, "", &backend.JobResult{JobID: id, Output: output, Proof: p})
	c.logger.Debug("Job succeeded", zap.String("job_id", id), zap.String("execution_hash", p.ExecutionHash))
}

func (c *Compute) transition(j *job, state backend.JobState, progress float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	j.state = state
	j.progress = progress
	return true
}

func (c *Compute) finish(j *job, state backend.JobState, reason string, result *backend.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.state = state
	j.progress = 1
	j.reason = reason
	j.result = result
	close(j.done)
}

func (c *Compute) buildProof(task backend.TaskSpec, output any) (proof.ComputeProof, error) {
	code := task.CodeIdentity()
	hash, err := proof.ComputeExecutionHash(code, task.Inputs, output)
	if err != nil {
		return proof.ComputeProof{}, err
	}

	p := proof.ComputeProof{
		Method:        task.Verification,
		DockerDigest:  c.digestFor(task.DockerImage),
		ExecutionHash: hash,
		Timestamp:     c.now().UTC(),
		CodeIdentity:  code,
		Inputs:        task.Inputs,
		Output:        output,
		Metadata:      map[string]any{"backend": c.name},
	}
	if c.signer != nil {
		p.EnclavePubKey = hex.EncodeToString(c.signer.Public().(ed25519.PublicKey))
		msg, err := p.SigningBytes()
		if err != nil {
			return proof.ComputeProof{}, err
		}
		p.Signature = hex.EncodeToString(ed25519.Sign(c.signer, msg))
	}
	return p, nil
}

// digestFor extracts the digest from an image reference such as
// "repo/app@sha256:abc", falling back to the configured digest.
func (c *Compute) digestFor(image string) string {
	if i := strings.LastIndex(image, "@"); i >= 0 && i+1 < len(image) {
		return image[i+1:]
	}
	return c.cfg.DockerDigest
}

// Status returns the current state of jobID.
func (c *Compute) Status(_ context.Context, jobID string) (backend.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return backend.JobStatus{}, backend.Wrap(c.name, "Status", jobID, backend.ErrUnknownJob)
	}
	return backend.JobStatus{JobID: jobID, State: j.state, Progress: j.progress, Message: j.reason}, nil
}

// Result returns the result of jobID, optionally waiting for it.
func (c *Compute) Result(ctx context.Context, jobID string, opts backend.ResultOptions) (*backend.JobResult, error) {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrUnknownJob)
	}

	if opts.Wait {
		var timeout <-chan time.Time
		if opts.Timeout > 0 {
			t := time.NewTimer(opts.Timeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-j.done:
		case <-timeout:
			return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch j.state {
	case backend.StateSucceeded:
		res := *j.result
		return &res, nil
	case backend.StateFailed:
		return nil, &backend.JobFailedError{JobID: jobID, Reason: j.reason}
	case backend.StateCancelled:
		return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrCancelled)
	default:
		return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrNotReady)
	}
}

// Cancel stops a non-terminal job. It returns false if the job had already
// finished.
func (c *Compute) Cancel(_ context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return false, backend.Wrap(c.name, "Cancel", jobID, backend.ErrUnknownJob)
	}
	if j.state.IsTerminal() {
		return false, nil
	}
	j.state = backend.StateCancelled
	j.cancel()
	close(j.done)
	return true, nil
}

// Echo is the default handler. Its output names the model and repeats the
// inputs, which makes it deterministic for any task.
func Echo(_ context.Context, task backend.TaskSpec) (any, error) {
	return map[string]any{
		"model":  task.Model,
		"inputs": task.Inputs,
	}, nil
}
