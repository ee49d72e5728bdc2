package determinism

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/backend/local"
	"github.com/3leaps/procverify/pkg/orchestrator"
	"github.com/3leaps/procverify/pkg/proof"
)

func newOrchestrator(t *testing.T, name string, cfg local.ComputeConfig) (*orchestrator.Orchestrator, *local.Compute) {
	t.Helper()
	c, err := local.NewCompute(name, cfg, nil)
	require.NoError(t, err)
	o, err := orchestrator.New(c, orchestrator.Config{
		Backoff: backend.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}, nil)
	require.NoError(t, err)
	return o, c
}

func riskEval() backend.TaskSpec {
	return backend.TaskSpec{
		TaskType:    "inference",
		Model:       "risk-eval",
		Inputs:      map[string]any{"amount": 500},
		DockerImage: "ghcr.io/acme/risk-eval:1",
	}
}

func TestDualRunner_Matched(t *testing.T) {
	alice, _ := newOrchestrator(t, "alice-tee", local.ComputeConfig{DockerDigest: "sha256:d1", Latency: 5 * time.Millisecond})
	bob, _ := newOrchestrator(t, "bob-tee", local.ComputeConfig{DockerDigest: "sha256:d1"})

	d := &DualRunner{Primary: alice, Validator: bob, Timeout: 5 * time.Second}
	layer, err := d.Run(context.Background(), riskEval())
	require.NoError(t, err)

	assert.True(t, layer.Match)
	assert.Equal(t, proof.StatusMatched, layer.Verdict.Status)
	assert.Equal(t, proof.RolePrimary, layer.Primary.Role)
	assert.Equal(t, "alice-tee", layer.Primary.Backend)
	assert.Equal(t, proof.RoleValidator, layer.Validator.Role)
	assert.Equal(t, "bob-tee", layer.Validator.Backend)
	assert.Equal(t, proof.StatusMatched, layer.Primary.VerificationStatus)
	assert.Equal(t, layer.Primary.Proof.ExecutionHash, layer.Validator.Proof.ExecutionHash)
}

func TestDualRunner_CodeDivergence(t *testing.T) {
	alice, _ := newOrchestrator(t, "alice-tee", local.ComputeConfig{DockerDigest: "sha256:d1"})
	bob, _ := newOrchestrator(t, "bob-tee", local.ComputeConfig{DockerDigest: "sha256:d2"})

	d := &DualRunner{Primary: alice, Validator: bob, Timeout: 5 * time.Second}
	layer, err := d.Run(context.Background(), riskEval())
	require.NoError(t, err)
	assert.False(t, layer.Match)
	assert.Equal(t, proof.ReasonCodeDivergence, layer.Verdict.Reason)
	assert.Equal(t, proof.StatusMismatched, layer.Validator.VerificationStatus)
}

func TestDualRunner_ExecutionFailure(t *testing.T) {
	alice, _ := newOrchestrator(t, "alice-tee", local.ComputeConfig{DockerDigest: "sha256:d1", Latency: time.Hour})
	bob, bobCompute := newOrchestrator(t, "bob-tee", local.ComputeConfig{DockerDigest: "sha256:d1"})
	bobCompute.Handle("inference", func(context.Context, backend.TaskSpec) (any, error) {
		return nil, errors.New("enclave crashed")
	})

	d := &DualRunner{Primary: alice, Validator: bob, Timeout: 5 * time.Second}
	_, err := d.Run(context.Background(), riskEval())
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, proof.RoleValidator, execErr.Role)
	var failed *backend.JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "enclave crashed", failed.Reason)
}

func TestDualRunner_FailureCancelsSibling(t *testing.T) {
	alice, aliceCompute := newOrchestrator(t, "alice-tee", local.ComputeConfig{DockerDigest: "sha256:d1"})
	aliceCompute.Handle("inference", func(context.Context, backend.TaskSpec) (any, error) {
		return nil, errors.New("enclave crashed")
	})
	bob, bobCompute := newOrchestrator(t, "bob-tee", local.ComputeConfig{DockerDigest: "sha256:d1", Latency: 2 * time.Second})

	d := &DualRunner{Primary: alice, Validator: bob, Timeout: 5 * time.Second}
	_, err := d.Run(context.Background(), riskEval())
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, proof.RolePrimary, execErr.Role)

	jobs := bob.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, orchestrator.StateCancelled, jobs[0].State)

	st, err := bobCompute.Status(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, backend.StateCancelled, st.State)

	failed := alice.Jobs()
	require.Len(t, failed, 1)
	assert.Equal(t, orchestrator.StateFailed, failed[0].State)
}

func TestDualRunner_RequiresRunners(t *testing.T) {
	_, err := (&DualRunner{}).Run(context.Background(), riskEval())
	assert.Error(t, err)
}
