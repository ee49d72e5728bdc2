package determinism

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/proof"
)

func mkProof(t *testing.T, inputs map[string]any, output any, digest string) proof.ComputeProof {
	t.Helper()
	code := proof.CodeIdentity("inference", "risk-eval")
	h, err := proof.ComputeExecutionHash(code, inputs, output)
	require.NoError(t, err)
	return proof.ComputeProof{
		Method:        proof.MethodTEEML,
		DockerDigest:  digest,
		ExecutionHash: h,
		Timestamp:     time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC),
		CodeIdentity:  code,
		Inputs:        inputs,
		Output:        output,
	}
}

func TestVerify_MatchedRiskEval(t *testing.T) {
	alice := mkProof(t, map[string]any{"amount": 500}, map[string]any{"risk": "low"}, "sha256:d1")
	bob := mkProof(t, map[string]any{"amount": 500}, map[string]any{"risk": "low"}, "sha256:d1")
	bob.Timestamp = alice.Timestamp.Add(time.Hour)

	v, err := Verify(alice, bob)
	require.NoError(t, err)
	assert.Equal(t, proof.StatusMatched, v.Status)
	assert.Empty(t, v.Reason)
	assert.Equal(t, alice.ExecutionHash, v.ComparedHashes[0])
	assert.Equal(t, alice.ExecutionHash, v.ComparedHashes[1])
	assert.Equal(t, proof.TrustUnchecked, v.TrustLevel)
}

func TestVerify_Normalization(t *testing.T) {
	a := mkProof(t, map[string]any{"amount": 500, "currency": "USD"}, map[string]any{"note": "low  risk "}, "sha256:d1")
	b := mkProof(t, map[string]any{"currency": "USD", "amount": 500.0}, map[string]any{"note": "low risk"}, "SHA256:D1")

	assert.Equal(t, a.ExecutionHash, b.ExecutionHash)
	v, err := Verify(a, b)
	require.NoError(t, err)
	assert.True(t, v.Matched())
}

func TestVerify_CodeDivergence(t *testing.T) {
	alice := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1")
	bob := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d2")

	v, err := Verify(alice, bob)
	require.NoError(t, err)
	assert.Equal(t, proof.StatusMismatched, v.Status)
	assert.Equal(t, proof.ReasonCodeDivergence, v.Reason)
}

func TestVerify_MissingDigest(t *testing.T) {
	alice := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1")
	bob := mkProof(t, map[string]any{"amount": 500}, "ok", "")

	v, err := Verify(alice, bob)
	require.NoError(t, err)
	assert.Equal(t, proof.ReasonCodeIdentityUnverifiable, v.Reason)
}

func TestVerify_OutputDivergence(t *testing.T) {
	alice := mkProof(t, map[string]any{"amount": 500}, "low", "sha256:d1")
	bob := mkProof(t, map[string]any{"amount": 500}, "high", "sha256:d1")

	v, err := Verify(alice, bob)
	require.NoError(t, err)
	assert.Equal(t, proof.ReasonOutputDivergence, v.Reason)
}

func TestVerify_RecomputeMismatch(t *testing.T) {
	alice := mkProof(t, map[string]any{"amount": 500}, "low", "sha256:d1")
	forged := alice
	forged.Output = "high"

	v, err := Verify(alice, forged)
	require.NoError(t, err)
	assert.Equal(t, proof.StatusMismatched, v.Status)
	assert.Equal(t, proof.ReasonHashRecomputeMismatch, v.Reason)
}

func TestVerify_DeclaredHashOnly(t *testing.T) {
	a := proof.ComputeProof{Method: proof.MethodTEESGX, ExecutionHash: "0xABCD", DockerDigest: "sha256:d1"}
	b := proof.ComputeProof{Method: proof.MethodTEESGX, ExecutionHash: "abcd", DockerDigest: "sha256:d1"}

	v, err := Verify(a, b)
	require.NoError(t, err)
	assert.True(t, v.Matched())
}

func TestVerify_MalformedProof(t *testing.T) {
	good := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1")

	_, err := Verify(good, proof.ComputeProof{Method: proof.MethodTEEML})
	assert.True(t, errors.Is(err, proof.ErrMalformedProof))

	_, err = Verify(proof.ComputeProof{ExecutionHash: "sha256:aa"}, good)
	assert.True(t, errors.Is(err, proof.ErrMalformedProof))
}

func TestCompare_MarksProcessProofs(t *testing.T) {
	a := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1")
	b := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d2")

	layer, err := (&Verifier{}).Compare(
		proof.NewProcessProof(proof.RolePrimary, "eigen", "j1", a),
		proof.NewProcessProof(proof.RoleValidator, "0g", "j2", b),
	)
	require.NoError(t, err)
	assert.False(t, layer.Match)
	assert.Equal(t, proof.StatusMismatched, layer.Primary.VerificationStatus)
	assert.Equal(t, proof.StatusMismatched, layer.Validator.VerificationStatus)
	assert.Equal(t, proof.ReasonCodeDivergence, layer.Verdict.Reason)
}

func TestVerify_Commutative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	digests := []string{"", "sha256:d1", "sha256:d2"}
	properties.Property("verify(a, b) == verify(b, a)", prop.ForAll(
		func(outA, outB string, digA, digB int, tamper bool) bool {
			a := mkProof(t, map[string]any{"amount": 500}, outA, digests[digA])
			b := mkProof(t, map[string]any{"amount": 500}, outB, digests[digB])
			if tamper {
				b.Output = outB + "!"
			}
			ab, errAB := Verify(a, b)
			ba, errBA := Verify(b, a)
			return errAB == nil && errBA == nil && ab == ba
		},
		gen.OneConstOf("low", "high", " low ", "medium"),
		gen.OneConstOf("low", "high", " low ", "medium"),
		gen.IntRange(0, len(digests)-1),
		gen.IntRange(0, len(digests)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func signEd25519(t *testing.T, p proof.ComputeProof, priv ed25519.PrivateKey) proof.ComputeProof {
	t.Helper()
	p.EnclavePubKey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	msg, err := p.SigningBytes()
	require.NoError(t, err)
	p.Signature = hex.EncodeToString(ed25519.Sign(priv, msg))
	return p
}

func TestVerifier_TrustLevels(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	a := signEd25519(t, mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1"), priv)
	b := signEd25519(t, mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1"), priv)

	v, err := New(Ed25519).Verify(a, b)
	require.NoError(t, err)
	assert.Equal(t, proof.TrustSignatureVerified, v.TrustLevel)
	assert.True(t, v.Matched())

	bad := b
	bad.Signature = hex.EncodeToString(make([]byte, ed25519.SignatureSize))
	v, err = New(Ed25519).Verify(a, bad)
	require.NoError(t, err)
	assert.Equal(t, proof.TrustSignatureInvalid, v.TrustLevel)
	assert.True(t, v.Matched(), "trust level never changes the verdict")

	unsigned := b
	unsigned.Signature = ""
	v, err = New(Auto).Verify(a, unsigned)
	require.NoError(t, err)
	assert.Equal(t, proof.TrustUnsigned, v.TrustLevel)

	v, err = New(nil).Verify(a, b)
	require.NoError(t, err)
	assert.Equal(t, proof.TrustUnchecked, v.TrustLevel)
}

func signSecp256k1(t *testing.T, p proof.ComputeProof, key string, sign func([]byte) []byte) proof.ComputeProof {
	t.Helper()
	p.EnclavePubKey = key
	msg, err := p.SigningBytes()
	require.NoError(t, err)
	p.Signature = hex.EncodeToString(sign(crypto.Keccak256(msg)))
	return p
}

func TestSecp256k1(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	sign := func(h []byte) []byte {
		sig, err := crypto.Sign(h, priv)
		require.NoError(t, err)
		return sig
	}
	base := mkProof(t, map[string]any{"amount": 500}, "ok", "sha256:d1")

	uncompressed := signSecp256k1(t, base, hex.EncodeToString(crypto.FromECDSAPub(&priv.PublicKey)), sign)
	assert.NoError(t, Secp256k1.VerifySignature(uncompressed))
	assert.NoError(t, Auto.VerifySignature(uncompressed))

	compressed := signSecp256k1(t, base, "0x"+hex.EncodeToString(crypto.CompressPubkey(&priv.PublicKey)), sign)
	assert.NoError(t, Secp256k1.VerifySignature(compressed))

	address := signSecp256k1(t, base, crypto.PubkeyToAddress(priv.PublicKey).Hex(), sign)
	assert.NoError(t, Secp256k1.VerifySignature(address))
	assert.NoError(t, Auto.VerifySignature(address))

	tampered := address
	tampered.Output = "changed"
	assert.ErrorIs(t, Secp256k1.VerifySignature(tampered), ErrInvalidSignature)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	wrongKey := signSecp256k1(t, base, crypto.PubkeyToAddress(other.PublicKey).Hex(), sign)
	assert.ErrorIs(t, Secp256k1.VerifySignature(wrongKey), ErrInvalidSignature)

	assert.ErrorIs(t, Ed25519.VerifySignature(uncompressed), ErrInvalidSignature)
}

func TestParseVerifier(t *testing.T) {
	for _, name := range []string{"ed25519", "secp256k1", "auto", "AUTO"} {
		sv, err := ParseVerifier(name)
		require.NoError(t, err, name)
		assert.NotNil(t, sv, name)
	}
	sv, err := ParseVerifier("none")
	require.NoError(t, err)
	assert.Nil(t, sv)

	_, err = ParseVerifier("rsa")
	assert.Error(t, err)
}
