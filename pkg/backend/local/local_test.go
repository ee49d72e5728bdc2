package local

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/proof"
)

func riskTask() backend.TaskSpec {
	return backend.TaskSpec{
		TaskType: "inference",
		Model:    "risk-eval",
		Inputs:   map[string]any{"amount": 500},
	}
}

func TestCompute_SubmitResult(t *testing.T) {
	c, err := NewCompute("alice", ComputeConfig{DockerDigest: "sha256:d1"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := c.Submit(ctx, riskTask())
	require.NoError(t, err)

	res, err := c.Result(ctx, id, backend.ResultOptions{Wait: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, id, res.JobID)
	assert.Equal(t, proof.MethodTEEML, res.Proof.Method)
	assert.Equal(t, "sha256:d1", res.Proof.DockerDigest)
	assert.Equal(t, "inference/risk-eval", res.Proof.CodeIdentity)

	recomputed, err := res.Proof.RecomputeExecutionHash()
	require.NoError(t, err)
	assert.Equal(t, res.Proof.ExecutionHash, recomputed)

	again, err := c.Result(ctx, id, backend.ResultOptions{})
	require.NoError(t, err)
	assert.Equal(t, res.Proof, again.Proof)

	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, backend.StateSucceeded, st.State)
	assert.Equal(t, 1.0, st.Progress)
}

func TestCompute_SameTaskSameHashAcrossBackends(t *testing.T) {
	ctx := context.Background()
	alice, err := NewCompute("alice", ComputeConfig{}, nil)
	require.NoError(t, err)
	bob, err := NewCompute("bob", ComputeConfig{}, nil)
	require.NoError(t, err)

	idA, err := alice.Submit(ctx, riskTask())
	require.NoError(t, err)
	idB, err := bob.Submit(ctx, riskTask())
	require.NoError(t, err)

	a, err := alice.Result(ctx, idA, backend.ResultOptions{Wait: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	b, err := bob.Result(ctx, idB, backend.ResultOptions{Wait: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, a.Proof.ExecutionHash, b.Proof.ExecutionHash)
}

func TestCompute_InvalidTask(t *testing.T) {
	c, err := NewCompute("", ComputeConfig{}, nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), backend.TaskSpec{Model: "m"})
	assert.True(t, backend.IsInvalidTask(err))
	assert.Equal(t, Kind, c.Name())
}

func TestCompute_UnknownJob(t *testing.T) {
	c, err := NewCompute("", ComputeConfig{}, nil)
	require.NoError(t, err)
	_, err = c.Status(context.Background(), "nonexistent-id")
	assert.True(t, backend.IsUnknownJob(err))
	_, err = c.Result(context.Background(), "nonexistent-id", backend.ResultOptions{})
	assert.True(t, backend.IsUnknownJob(err))
	_, err = c.Cancel(context.Background(), "nonexistent-id")
	assert.True(t, backend.IsUnknownJob(err))
}

func TestCompute_NotReadyAndTimeout(t *testing.T) {
	c, err := NewCompute("", ComputeConfig{Latency: time.Hour}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	id, err := c.Submit(ctx, riskTask())
	require.NoError(t, err)

	_, err = c.Result(ctx, id, backend.ResultOptions{})
	assert.True(t, backend.IsNotReady(err))

	_, err = c.Result(ctx, id, backend.ResultOptions{Wait: true, Timeout: 50 * time.Millisecond})
	assert.True(t, backend.IsTimeout(err))
}

func TestCompute_HandlerFailure(t *testing.T) {
	c, err := NewCompute("", ComputeConfig{}, nil)
	require.NoError(t, err)
	c.Handle("inference", func(context.Context, backend.TaskSpec) (any, error) {
		return nil, errors.New("model weights missing")
	})

	id, err := c.Submit(context.Background(), riskTask())
	require.NoError(t, err)
	_, err = c.Result(context.Background(), id, backend.ResultOptions{Wait: true, Timeout: 5 * time.Second})
	var jf *backend.JobFailedError
	require.True(t, errors.As(err, &jf))
	assert.Equal(t, "model weights missing", jf.Reason)
}

func TestCompute_Cancel(t *testing.T) {
	c, err := NewCompute("", ComputeConfig{Latency: time.Hour}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	id, err := c.Submit(ctx, riskTask())
	require.NoError(t, err)

	ok, err := c.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Result(ctx, id, backend.ResultOptions{Wait: true, Timeout: time.Second})
	assert.True(t, backend.IsCancelled(err))

	ok, err = c.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompute_DigestFromImage(t *testing.T) {
	c, err := NewCompute("", ComputeConfig{DockerDigest: "sha256:fallback"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", c.digestFor("ghcr.io/acme/risk@sha256:abc"))
	assert.Equal(t, "sha256:fallback", c.digestFor("ghcr.io/acme/risk:1.0"))
}

func TestCompute_SignsProofs(t *testing.T) {
	seed := strings.Repeat("07", ed25519.SeedSize)
	c, err := NewCompute("", ComputeConfig{SigningKey: seed}, nil)
	require.NoError(t, err)

	id, err := c.Submit(context.Background(), riskTask())
	require.NoError(t, err)
	res, err := c.Result(context.Background(), id, backend.ResultOptions{Wait: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.True(t, res.Proof.Signed())

	pub, err := hex.DecodeString(res.Proof.EnclavePubKey)
	require.NoError(t, err)
	sig, err := hex.DecodeString(res.Proof.Signature)
	require.NoError(t, err)
	msg, err := res.Proof.SigningBytes()
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, msg, sig))

	_, err = NewCompute("", ComputeConfig{SigningKey: "abcd"}, nil)
	assert.Error(t, err)
}

func TestStorage_PutGetMemory(t *testing.T) {
	s, err := NewStorage("", StorageConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	put, err := s.Put(ctx, []byte("hello world"), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(put.URI, "ipfs://bafkrei"), put.URI)
	assert.Equal(t, put.URI, put.Proof.StorageURI)
	assert.Equal(t, int64(11), put.Proof.Size)

	got, err := s.Get(ctx, put.URI)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	ok, err := s.Exists(ctx, put.URI)
	require.NoError(t, err)
	assert.True(t, ok)

	sp, err := s.GetProof(ctx, put.URI)
	require.NoError(t, err)
	assert.Equal(t, put.Proof.ContentHash, sp.ContentHash)

	key, _ := s.keyFromURI(put.URI)
	s.blobs[key] = []byte("hello w0rld")
	_, err = s.Get(ctx, put.URI)
	assert.True(t, backend.IsIntegrity(err), "got %v", err)
}

func TestStorage_NotFound(t *testing.T) {
	s, err := NewStorage("", StorageConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "ipfs://bafkreinotstored")
	assert.True(t, backend.IsNotFound(err))
	_, err = s.Get(ctx, "s3://bucket/key")
	assert.True(t, backend.IsNotFound(err))
	_, err = s.GetProof(ctx, "ipfs://bafkreinotstored")
	assert.True(t, backend.IsNotFound(err))

	ok, err := s.Exists(ctx, "ipfs://bafkreinotstored")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_DirectoryBackedDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage("disk", StorageConfig{Dir: dir, Method: proof.StorageMethodSHA256}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	put, err := s.Put(ctx, []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(put.URI, "local://"), put.URI)

	reopened, err := NewStorage("disk", StorageConfig{Dir: dir, Method: proof.StorageMethodSHA256}, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, put.URI)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	sp, err := reopened.GetProof(ctx, put.URI)
	require.NoError(t, err)
	assert.Equal(t, put.Proof.ContentHash, sp.ContentHash)

	key, _ := s.keyFromURI(put.URI)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blobs", key), []byte(`{"a":2}`), 0644))
	_, err = reopened.Get(ctx, put.URI)
	var ie *backend.IntegrityError
	assert.True(t, errors.As(err, &ie))
	require.NoError(t, reopened.Health(ctx))
}

func TestStorage_MerkleZeroG(t *testing.T) {
	s, err := NewStorage("og", StorageConfig{Method: proof.StorageMethodMerkle}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(strings.Repeat("0g-chunk|", 500))
	put, err := s.Put(ctx, data, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(put.URI, "0g://"), put.URI)
	assert.NotEmpty(t, put.Proof.MerkleProof)
	require.NoError(t, put.Proof.VerifyContent(data))

	alias := "zerog://" + strings.TrimPrefix(put.URI, "0g://")
	got, err := s.Get(ctx, alias)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStorage_RejectsUnknownMethodAndTraversal(t *testing.T) {
	_, err := NewStorage("", StorageConfig{Method: "crc32"}, nil)
	assert.Error(t, err)

	s, err := NewStorage("", StorageConfig{}, nil)
	require.NoError(t, err)
	_, ok := s.keyFromURI("ipfs://../etc/passwd")
	assert.False(t, ok)
}

func TestFactories(t *testing.T) {
	r := backend.NewRegistry()
	r.RegisterCompute(Kind, NewComputeFromSettings)
	r.RegisterStorage(Kind, NewStorageFromSettings)

	cb, err := r.NewCompute(context.Background(), "local", "alice", map[string]any{"latency": "10ms", "docker_digest": "sha256:d1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", cb.Name())
	assert.Equal(t, 10*time.Millisecond, cb.(*Compute).cfg.Latency)

	sb, err := r.NewStorage(context.Background(), "local", "", map[string]any{"method": "sha256"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", sb.Name())
}
