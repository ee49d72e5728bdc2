package determinism

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/orchestrator"
	"github.com/3leaps/procverify/pkg/proof"
)

// Runner executes one task to completion and can cancel a job it started.
// *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, task backend.TaskSpec, timeout time.Duration) (orchestrator.Job, *backend.JobResult, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

var _ Runner = (*orchestrator.Orchestrator)(nil)

// DualRunner runs a task twice, as primary executor and as re-execution
// validator, and verifies the two proofs against each other.
//
// The executions run concurrently and share nothing; each hands back only
// its final proof.
type DualRunner struct {
	Primary   Runner
	Validator Runner
	Verifier  *Verifier
	Timeout   time.Duration
	Logger    *zap.Logger
}

// ExecutionError reports which role of a dual execution failed.
type ExecutionError struct {
	Role  proof.Role
	JobID string
	Err   error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("%s job %s: %v", e.Role, e.JobID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Run executes task on both runners and returns the integrity layer: both
// process proofs, marked with the verdict, plus the verdict itself.
//
// If either execution fails the other stops polling and its job is
// cancelled, locally and on the backend where supported. An *ExecutionError
// is returned.
func (d *DualRunner) Run(ctx context.Context, task backend.TaskSpec) (proof.IntegrityLayer, error) {
	if d.Primary == nil || d.Validator == nil {
		return proof.IntegrityLayer{}, fmt.Errorf("dual run requires a primary and a validator runner")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		pp    proof.ProcessProof
		jobID string
		err   error
	}
	run := func(role proof.Role, r Runner) outcome {
		job, res, err := r.Run(ctx, task, d.Timeout)
		if err != nil {
			cancel()
			return outcome{jobID: job.ID, err: &ExecutionError{Role: role, JobID: job.ID, Err: err}}
		}
		logger.Debug("Execution finished", zap.String("role", string(role)), zap.String("job_id", job.ID), zap.String("execution_hash", res.Proof.ExecutionHash))
		return outcome{pp: proof.NewProcessProof(role, job.Backend, job.ID, res.Proof)}
	}

	var (
		wg        sync.WaitGroup
		primary   outcome
		validator outcome
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		primary = run(proof.RolePrimary, d.Primary)
	}()
	go func() {
		defer wg.Done()
		validator = run(proof.RoleValidator, d.Validator)
	}()
	wg.Wait()

	// A job abandoned mid-poll is still live on its backend. Cancel is a
	// no-op for jobs that already reached a terminal state.
	cleanup := context.WithoutCancel(parent)
	for _, abandoned := range []struct {
		role proof.Role
		r    Runner
		o    outcome
	}{{proof.RolePrimary, d.Primary, primary}, {proof.RoleValidator, d.Validator, validator}} {
		if abandoned.o.err == nil || abandoned.o.jobID == "" {
			continue
		}
		if ok, err := abandoned.r.Cancel(cleanup, abandoned.o.jobID); err != nil {
			logger.Warn("Cancel of abandoned execution failed", zap.String("role", string(abandoned.role)), zap.String("job_id", abandoned.o.jobID), zap.Error(err))
		} else if ok {
			logger.Info("Abandoned execution cancelled", zap.String("role", string(abandoned.role)), zap.String("job_id", abandoned.o.jobID))
		}
	}

	// The first failure cancels the sibling; report the cause, not the
	// cancellation it triggered.
	if primary.err != nil && (validator.err == nil || !errors.Is(primary.err, context.Canceled)) {
		return proof.IntegrityLayer{}, primary.err
	}
	if validator.err != nil {
		return proof.IntegrityLayer{}, validator.err
	}

	v := d.Verifier
	if v == nil {
		v = &Verifier{}
	}
	layer, err := v.Compare(primary.pp, validator.pp)
	if err != nil {
		return proof.IntegrityLayer{}, err
	}
	logger.Info("Dual execution verified",
		zap.String("verdict", layer.Verdict.String()),
		zap.String("trust", string(layer.Verdict.TrustLevel)))
	return layer, nil
}
