package determinism

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/3leaps/procverify/pkg/proof"
)

// ErrInvalidSignature indicates a proof signature did not verify.
var ErrInvalidSignature = errors.New("invalid proof signature")

// SignatureVerifier checks a proof's signature against its enclave key.
type SignatureVerifier interface {
	VerifySignature(p proof.ComputeProof) error
}

// SignatureVerifierFunc adapts a function to SignatureVerifier.
type SignatureVerifierFunc func(p proof.ComputeProof) error

// VerifySignature calls f(p).
func (f SignatureVerifierFunc) VerifySignature(p proof.ComputeProof) error {
	return f(p)
}

// Ed25519 verifies hex encoded Ed25519 signatures over the proof's signing
// bytes. The enclave key is the hex encoded 32 byte public key.
var Ed25519 SignatureVerifier = SignatureVerifierFunc(verifyEd25519)

// Secp256k1 verifies Ethereum style signatures: a 65 byte [R || S || V]
// signature over the Keccak-256 hash of the proof's signing bytes. The
// enclave key may be a compressed or uncompressed public key or a 20 byte
// address, all hex encoded.
var Secp256k1 SignatureVerifier = SignatureVerifierFunc(verifySecp256k1)

// Auto picks Ed25519 or Secp256k1 from the length of the enclave key.
var Auto SignatureVerifier = SignatureVerifierFunc(func(p proof.ComputeProof) error {
	key, err := decodeHex(p.EnclavePubKey)
	if err != nil {
		return fmt.Errorf("%w: enclave key: %v", ErrInvalidSignature, err)
	}
	switch len(key) {
	case ed25519.PublicKeySize:
		return verifyEd25519(p)
	case 20, 33, 65:
		return verifySecp256k1(p)
	default:
		return fmt.Errorf("%w: unsupported enclave key length %d", ErrInvalidSignature, len(key))
	}
})

// ParseVerifier returns the verifier registered under name: "ed25519",
// "secp256k1", "auto", or "" / "none" for no verification.
func ParseVerifier(name string) (SignatureVerifier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "ed25519":
		return Ed25519, nil
	case "secp256k1":
		return Secp256k1, nil
	case "auto":
		return Auto, nil
	default:
		return nil, fmt.Errorf("unknown signature verifier %q", name)
	}
}

func verifyEd25519(p proof.ComputeProof) error {
	key, err := decodeHex(p.EnclavePubKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: enclave key is not a %d byte ed25519 key", ErrInvalidSignature, ed25519.PublicKeySize)
	}
	sig, err := decodeHex(p.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed ed25519 signature", ErrInvalidSignature)
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(key), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func verifySecp256k1(p proof.ComputeProof) error {
	key, err := decodeHex(p.EnclavePubKey)
	if err != nil {
		return fmt.Errorf("%w: enclave key: %v", ErrInvalidSignature, err)
	}
	sig, err := decodeHex(p.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed secp256k1 signature", ErrInvalidSignature)
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return err
	}
	hash := crypto.Keccak256Hash(msg)

	switch len(key) {
	case 20:
		rsv := make([]byte, len(sig))
		copy(rsv, sig)
		if rsv[64] >= 27 {
			rsv[64] -= 27
		}
		pub, err := crypto.SigToPub(hash.Bytes(), rsv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), "0x"+hex.EncodeToString(key)) {
			return ErrInvalidSignature
		}
		return nil
	case 33, 65:
		if !crypto.VerifySignature(key, hash.Bytes(), sig[:64]) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported secp256k1 key length %d", ErrInvalidSignature, len(key))
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
