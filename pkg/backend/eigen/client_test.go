package eigen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/proof"
)

// fakeAPI is an in-memory job API. Jobs become ready after readyAfter
// result polls.
type fakeAPI struct {
	mu         sync.Mutex
	jobs       map[string]*fakeJob
	readyAfter int
	failWith   string
	lastKey    string
	submits    atomic.Int32
}

type fakeJob struct {
	task      backend.TaskSpec
	polls     int
	cancelled bool
}

func newFakeAPI(t *testing.T, readyAfter int) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{jobs: map[string]*fakeJob{}, readyAfter: readyAfter}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/v1/jobs", api.submit)
	r.Get("/v1/jobs/{id}", api.status)
	r.Get("/v1/jobs/{id}/result", api.result)
	r.Post("/v1/jobs/{id}/cancel", api.cancel)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) submit(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastKey = r.Header.Get("X-API-Key")
	var task backend.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil || task.TaskType == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := "job-" + string(rune('a'+a.submits.Add(1)-1))
	a.jobs[id] = &fakeJob{task: task}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": id})
}

func (a *fakeAPI) status(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[chi.URLParam(r, "id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	state := backend.StateRunning
	if j.cancelled {
		state = backend.StateCancelled
	} else if j.polls >= a.readyAfter {
		state = backend.StateSucceeded
	}
	_ = json.NewEncoder(w).Encode(backend.JobStatus{State: state, Progress: 0.5})
}

func (a *fakeAPI) result(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := chi.URLParam(r, "id")
	j, ok := a.jobs[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if j.cancelled {
		w.WriteHeader(http.StatusGone)
		return
	}
	if j.polls < a.readyAfter {
		j.polls++
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if a.failWith != "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": a.failWith})
		return
	}
	code := j.task.CodeIdentity()
	output := map[string]any{"score": 0.12}
	hash, _ := proof.ComputeExecutionHash(code, j.task.Inputs, output)
	_ = json.NewEncoder(w).Encode(backend.JobResult{
		JobID:  id,
		Output: output,
		Proof: proof.ComputeProof{
			Method:        proof.MethodTEETDX,
			DockerDigest:  "sha256:eigen",
			ExecutionHash: hash,
			Timestamp:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			CodeIdentity:  code,
			Inputs:        j.task.Inputs,
			Output:        output,
		},
	})
}

func (a *fakeAPI) cancel(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[chi.URLParam(r, "id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	j.cancelled = true
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": true})
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New("eigen-test", Config{
		BaseURL:     baseURL,
		APIKey:      "secret",
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func task() backend.TaskSpec {
	return backend.TaskSpec{TaskType: "inference", Model: "risk-eval", Inputs: map[string]any{"amount": 500}}
}

func TestClient_SubmitAndWait(t *testing.T) {
	api, srv := newFakeAPI(t, 3)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.Submit(ctx, task())
	require.NoError(t, err)
	assert.Equal(t, "secret", api.lastKey)

	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, backend.StateRunning, st.State)
	assert.Equal(t, id, st.JobID)

	_, err = c.Result(ctx, id, backend.ResultOptions{})
	assert.True(t, backend.IsNotReady(err))

	res, err := c.Result(ctx, id, backend.ResultOptions{Wait: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, proof.MethodTEETDX, res.Proof.Method)
	recomputed, err := res.Proof.RecomputeExecutionHash()
	require.NoError(t, err)
	assert.Equal(t, res.Proof.ExecutionHash, recomputed)

	again, err := c.Result(ctx, id, backend.ResultOptions{})
	require.NoError(t, err)
	assert.Equal(t, res.Proof, again.Proof)
}

func TestClient_Timeout(t *testing.T) {
	_, srv := newFakeAPI(t, 1<<30)
	c := newTestClient(t, srv.URL)
	id, err := c.Submit(context.Background(), task())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Result(context.Background(), id, backend.ResultOptions{Wait: true, Timeout: 100 * time.Millisecond})
	assert.True(t, backend.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_UnknownJob(t *testing.T) {
	_, srv := newFakeAPI(t, 0)
	c := newTestClient(t, srv.URL)
	_, err := c.Status(context.Background(), "nonexistent-id")
	assert.True(t, backend.IsUnknownJob(err))
	_, err = c.Result(context.Background(), "nonexistent-id", backend.ResultOptions{})
	assert.True(t, backend.IsUnknownJob(err))
}

func TestClient_InvalidTask(t *testing.T) {
	api, srv := newFakeAPI(t, 0)
	c := newTestClient(t, srv.URL)
	_, err := c.Submit(context.Background(), backend.TaskSpec{Model: "m"})
	assert.True(t, backend.IsInvalidTask(err))
	assert.Equal(t, int32(0), api.submits.Load(), "invalid tasks must not reach the provider")
}

func TestClient_JobFailed(t *testing.T) {
	api, srv := newFakeAPI(t, 0)
	api.failWith = "enclave attestation failed"
	c := newTestClient(t, srv.URL)
	id, err := c.Submit(context.Background(), task())
	require.NoError(t, err)

	_, err = c.Result(context.Background(), id, backend.ResultOptions{Wait: true, Timeout: time.Second})
	var jf *backend.JobFailedError
	require.True(t, errors.As(err, &jf))
	assert.Equal(t, "enclave attestation failed", jf.Reason)
}

func TestClient_Cancel(t *testing.T) {
	_, srv := newFakeAPI(t, 5)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	id, err := c.Submit(ctx, task())
	require.NoError(t, err)

	ok, err := c.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, backend.StateCancelled, st.State)
	_, err = c.Result(ctx, id, backend.ResultOptions{})
	assert.True(t, backend.IsCancelled(err))
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	c := newTestClient(t, srv.URL)

	_, err := c.Submit(context.Background(), task())
	assert.True(t, backend.IsUnavailable(err))
	assert.Error(t, c.Health(context.Background()))

	srv.Close()
	_, err = c.Status(context.Background(), "job-a")
	assert.True(t, backend.IsUnavailable(err), "transport errors are transient, got %v", err)
}

func TestClient_Health(t *testing.T) {
	_, srv := newFakeAPI(t, 0)
	c := newTestClient(t, srv.URL)
	assert.NoError(t, c.Health(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	_, err := New("", Config{}, nil, nil)
	assert.Error(t, err)
	_, err = New("", Config{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)

	b, err := NewFromSettings(context.Background(), "", map[string]any{"base_url": "http://localhost:8080/", "poll_initial": "250ms"}, nil)
	require.NoError(t, err)
	c := b.(*Client)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
	assert.Equal(t, 250*time.Millisecond, c.backoff.Initial)
	assert.Equal(t, Kind, c.Name())
}
