package proof

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod(" TEE-ML ")
	require.NoError(t, err)
	assert.Equal(t, MethodTEEML, m)
	assert.True(t, m.IsTEE())
	assert.False(t, MethodZKML.IsTEE())

	_, err = ParseMethod("tee-sev")
	assert.Error(t, err)
	assert.False(t, Method("bogus").Valid())
}

func TestCodeIdentity(t *testing.T) {
	assert.Equal(t, "inference/risk-eval", CodeIdentity("Inference", "risk-eval"))
	assert.Equal(t, "inference/risk eval", CodeIdentity("inference", " risk   eval "))
	assert.Equal(t, "echo", CodeIdentity("echo", ""))
}

func TestComputeExecutionHash_Pure(t *testing.T) {
	code := CodeIdentity("inference", "risk-eval")
	a, err := ComputeExecutionHash(code, map[string]any{"amount": 500, "currency": "USD"}, map[string]any{"score": 0.2})
	require.NoError(t, err)
	b, err := ComputeExecutionHash(code, map[string]any{"currency": "USD", "amount": 500.0}, map[string]any{"score": 0.2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sha256:"))

	c, err := ComputeExecutionHash(code, map[string]any{"amount": 500, "currency": "USD"}, map[string]any{"score": 0.3})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "output change must change the hash")

	d, err := ComputeExecutionHash(CodeIdentity("inference", "other"), map[string]any{"amount": 500, "currency": "USD"}, map[string]any{"score": 0.2})
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "code change must change the hash")
}

func TestComputeExecutionHash_NilInputsEqualEmpty(t *testing.T) {
	a, err := ComputeExecutionHash("echo", nil, "x")
	require.NoError(t, err)
	b, err := ComputeExecutionHash("echo", map[string]any{}, "x")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeProof_ValidateAndRecompute(t *testing.T) {
	p := ComputeProof{Method: MethodTEEML}
	assert.ErrorIs(t, p.Validate(), ErrMalformedProof)

	p.Method = "bogus"
	p.ExecutionHash = "sha256:00"
	assert.ErrorIs(t, p.Validate(), ErrMalformedProof)

	p.Method = MethodTEEML
	require.NoError(t, p.Validate())
	assert.False(t, p.Recomputable())
	_, err := p.RecomputeExecutionHash()
	assert.ErrorIs(t, err, ErrMalformedProof)

	p.CodeIdentity = "echo"
	p.Inputs = map[string]any{"x": 1}
	p.Output = "y"
	got, err := p.RecomputeExecutionHash()
	require.NoError(t, err)
	want, err := ComputeExecutionHash("echo", map[string]any{"x": 1}, "y")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestComputeProof_SigningBytesExcludeSignature(t *testing.T) {
	p := ComputeProof{
		Method:        MethodTEEML,
		ExecutionHash: "sha256:ab",
		Timestamp:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	unsigned, err := p.SigningBytes()
	require.NoError(t, err)

	p.Signature = "deadbeef"
	p.EnclavePubKey = "cafe"
	assert.True(t, p.Signed())
	signed, err := p.SigningBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(signed), "deadbeef")
	assert.Contains(t, string(signed), "cafe")
	assert.NotEqual(t, unsigned, signed)

	d1, err := p.Digest()
	require.NoError(t, err)
	p.Signature = "beefdead"
	d2, err := p.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestStorageProof_CIDRoundTrip(t *testing.T) {
	data := []byte("hello world")
	hash, err := ContentHash(StorageMethodCID, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "bafkrei"), hash)

	sp := StorageProof{Method: StorageMethodCID, ContentHash: hash, StorageURI: "ipfs://" + hash}
	require.NoError(t, sp.VerifyContent(data))

	err = sp.VerifyContent([]byte("hello world!"))
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, hash, ie.Expected)
	assert.NotEqual(t, hash, ie.Actual)
	assert.Contains(t, ie.Error(), "ipfs://")
}

func TestStorageProof_UndecodableCID(t *testing.T) {
	sp := StorageProof{Method: StorageMethodCID, ContentHash: "not-a-cid"}
	var ie *IntegrityError
	assert.True(t, errors.As(sp.VerifyContent([]byte("x")), &ie))
}

func TestStorageProof_SHA256(t *testing.T) {
	data := []byte("abc")
	hash, err := ContentHash(StorageMethodSHA256, data)
	require.NoError(t, err)
	sp := StorageProof{Method: StorageMethodSHA256, ContentHash: strings.ToUpper(strings.TrimPrefix(hash, "sha256:"))}
	require.NoError(t, sp.VerifyContent(data))
	var ie *IntegrityError
	assert.True(t, errors.As(sp.VerifyContent([]byte("abd")), &ie))
}

func TestStorageProof_UnknownMethod(t *testing.T) {
	_, err := ContentHash("crc32", []byte("x"))
	assert.Error(t, err)
	var ie *IntegrityError
	assert.True(t, errors.As(StorageProof{Method: "crc32"}.VerifyContent([]byte("x")), &ie))
}

func TestMerkle_PathsFoldToRoot(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8} {
		data := bytes.Repeat([]byte("m"), n*DefaultChunkSize-7)
		chunks := Chunk(data, DefaultChunkSize)
		require.Len(t, chunks, n)
		root := MerkleRoot(chunks)
		for i := range chunks {
			path := MerklePath(chunks, i)
			assert.True(t, VerifyMerkle(LeafHash(chunks[i]), path, root), "n=%d leaf=%d", n, i)
		}
		assert.False(t, VerifyMerkle(LeafHash([]byte("other")), MerklePath(chunks, 0), root))
	}
	assert.Nil(t, MerklePath(Chunk([]byte("x"), 4), 3))
	assert.False(t, VerifyMerkle("zz", nil, "sha256:00"))
}

func TestMerkle_InteriorNodeIsNotALeaf(t *testing.T) {
	chunks := [][]byte{[]byte("left"), []byte("right")}
	root := MerkleRoot(chunks)

	// Without leaf/node separation this single chunk would hash to the
	// same root as the two-leaf tree.
	l0, err := hex.DecodeString(LeafHash(chunks[0]))
	require.NoError(t, err)
	l1, err := hex.DecodeString(LeafHash(chunks[1]))
	require.NoError(t, err)
	if bytes.Compare(l0, l1) > 0 {
		l0, l1 = l1, l0
	}
	forged := append(append([]byte{}, l0...), l1...)

	assert.NotEqual(t, root, MerkleRoot([][]byte{forged}))
	plain := sha256.Sum256(chunks[0])
	assert.NotEqual(t, hex.EncodeToString(plain[:]), LeafHash(chunks[0]))
}

func TestStorageProof_MerkleMethod(t *testing.T) {
	data := bytes.Repeat([]byte("abcdef"), 700)
	chunks := Chunk(data, DefaultChunkSize)
	root, err := ContentHash(StorageMethodMerkle, data)
	require.NoError(t, err)

	sp := StorageProof{Method: StorageMethodMerkle, ContentHash: root, MerkleProof: MerklePath(chunks, 0)}
	require.NoError(t, sp.VerifyContent(data))

	sp.MerkleProof = []string{LeafHash([]byte("bogus"))}
	var ie *IntegrityError
	assert.True(t, errors.As(sp.VerifyContent(data), &ie))
}

func TestNewVerdict_SortsHashes(t *testing.T) {
	a := NewVerdict(StatusMismatched, ReasonOutputDivergence, "sha256:bb", "sha256:aa", TrustUnchecked)
	b := NewVerdict(StatusMismatched, ReasonOutputDivergence, "sha256:aa", "sha256:bb", TrustUnchecked)
	assert.Equal(t, a, b)
	assert.Equal(t, [2]string{"sha256:aa", "sha256:bb"}, a.ComparedHashes)
	assert.Equal(t, "mismatched (output-divergence)", a.String())
	assert.False(t, a.Matched())
	assert.True(t, Verdict{}.IsZero())
}

func TestProcessProof(t *testing.T) {
	pp := NewProcessProof(RolePrimary, "local", "job-1", ComputeProof{ExecutionHash: "sha256:aa"})
	assert.Equal(t, StatusUnverified, pp.VerificationStatus)
	assert.True(t, pp.Present())
	matched := pp.WithStatus(StatusMatched)
	assert.Equal(t, StatusMatched, matched.VerificationStatus)
	assert.Equal(t, StatusUnverified, pp.VerificationStatus)
	assert.False(t, ProcessProof{}.Present())
}

func TestIntegrityLayer_Persistable(t *testing.T) {
	l := IntegrityLayer{Match: true, Storage: &StorageProof{StorageURI: "ipfs://x"}}
	assert.Equal(t, "ipfs://x", l.StorageURI())
	assert.Nil(t, l.Persistable().Storage)
	assert.NotNil(t, l.Storage)
	assert.Equal(t, "", IntegrityLayer{}.StorageURI())
}
