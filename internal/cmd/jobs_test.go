package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/jobregistry"
)

func seedJobs(t *testing.T, dir string) {
	t.Helper()
	store := jobregistry.NewFileStore(filepath.Join(dir, "jobs"))
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ended := base.Add(time.Minute)

	records := []*jobregistry.JobRecord{
		{
			JobID: "job-done-0001", Backend: "alice", State: backend.StateSucceeded,
			TaskType: "inference", Model: "risk-eval", CreatedAt: base, EndedAt: &ended,
			ExecutionHash: "sha256:0123456789abcdef0123456789abcdef", DockerDigest: "sha256:d1", Polls: 3,
		},
		{
			JobID: "job-live-0002", Backend: "bob", State: backend.StateRunning,
			TaskType: "inference", CreatedAt: base.Add(time.Hour),
		},
	}
	for _, r := range records {
		require.NoError(t, store.Put(ctx, r))
	}
}

func TestJobsList(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	seedJobs(t, dir)

	out, err := execute(t, "--config", cfgPath, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "job-done-000")
	assert.Contains(t, out, "inference/risk-eval")
	assert.Contains(t, out, "0123456789abcdef")

	out, err = execute(t, "--config", cfgPath, "jobs", "list", "--json", "--backend", "bob")
	require.NoError(t, err)
	var records []jobregistry.JobRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "job-live-0002", records[0].JobID)
}

func TestJobsList_Empty(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)

	out, err := execute(t, "--config", cfgPath, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")
}

func TestJobsStatus(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	seedJobs(t, dir)

	out, err := execute(t, "--config", cfgPath, "jobs", "status", "job-done-0001")
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=job-done-0001")
	assert.Contains(t, out, "state=succeeded")
	assert.Contains(t, out, "docker_digest=sha256:d1")
	assert.Contains(t, out, "polls=3")

	_, err = execute(t, "--config", cfgPath, "jobs", "status", "job-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job not found")

	// A fresh local backend has never seen the job.
	_, err = execute(t, "--config", cfgPath, "jobs", "status", "job-live-0002", "--refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backend status query failed")
}

func TestJobsCancel(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	seedJobs(t, dir)

	out, err := execute(t, "--config", cfgPath, "jobs", "cancel", "job-done-0001")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("job %s already %s\n", "job-done-0001", backend.StateSucceeded), out)

	_, err = execute(t, "--config", cfgPath, "jobs", "cancel", "job-live-0002")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cancel failed")
}

func TestJobs_RegistryDisabled(t *testing.T) {
	isolate(t)
	t.Setenv("PROCVERIFY_REGISTRY_DRIVER", "none")

	_, err := execute(t, "jobs", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job registry disabled")
}

func TestShortHelpers(t *testing.T) {
	assert.Equal(t, "abc", shortJobID("abc"))
	assert.Equal(t, "0123456789ab", shortJobID("0123456789abcdef"))
	assert.Equal(t, "0123456789abcdef", shortHash("sha256:0123456789abcdef0123"))
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "-", formatOptionalTime(nil))
}
