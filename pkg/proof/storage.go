package proof

import (
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/3leaps/procverify/pkg/canonical"
)

// Content hash methods for StorageProof.
const (
	// StorageMethodCID addresses content by a CIDv1 over the raw bytes.
	StorageMethodCID = "ipfs-cid"

	// StorageMethodSHA256 addresses content by its prefixed SHA-256 digest.
	StorageMethodSHA256 = "sha256"

	// StorageMethodMerkle addresses content by the Merkle root of its chunks.
	StorageMethodMerkle = "merkle-proof"
)

// StorageProof is evidence that a blob was durably stored.
type StorageProof struct {
	Method      string    `json:"method"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	StorageURI  string    `json:"storage_uri"`
	MerkleProof []string  `json:"merkle_proof,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// IntegrityError reports fetched content that does not hash to the expected
// content identifier. It is always fatal.
type IntegrityError struct {
	URI      string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("integrity violation for %s: expected %s, got %s", e.URI, e.Expected, e.Actual)
	}
	return fmt.Sprintf("integrity violation: expected %s, got %s", e.Expected, e.Actual)
}

// ContentHash computes the content identifier of data under method.
func ContentHash(method string, data []byte) (string, error) {
	switch method {
	case StorageMethodCID:
		c, err := RawCID(data)
		if err != nil {
			return "", err
		}
		return c.String(), nil
	case StorageMethodSHA256:
		return canonical.Hash(data), nil
	case StorageMethodMerkle:
		return MerkleRoot(Chunk(data, DefaultChunkSize)), nil
	default:
		return "", fmt.Errorf("unknown storage proof method %q", method)
	}
}

// RawCID returns the CIDv1 (raw codec, sha2-256) of data.
func RawCID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// VerifyContent re-hashes data and compares it with ContentHash.
//
// CIDs are verified with the hash function their own prefix names, so a
// CIDv0 or a CID using another multihash verifies correctly as long as it
// addresses a single raw block.
func (p StorageProof) VerifyContent(data []byte) error {
	var actual string
	switch p.Method {
	case StorageMethodCID:
		expected, err := cid.Decode(p.ContentHash)
		if err != nil {
			return &IntegrityError{URI: p.StorageURI, Expected: p.ContentHash, Actual: "undecodable cid: " + err.Error()}
		}
		got, err := expected.Prefix().Sum(data)
		if err != nil {
			return &IntegrityError{URI: p.StorageURI, Expected: p.ContentHash, Actual: err.Error()}
		}
		if got.Equals(expected) {
			return nil
		}
		actual = got.String()
	case StorageMethodSHA256:
		actual = canonical.Hash(data)
		if canonical.EqualHash(actual, p.ContentHash) {
			return nil
		}
	case StorageMethodMerkle:
		chunks := Chunk(data, DefaultChunkSize)
		actual = MerkleRoot(chunks)
		if canonical.EqualHash(actual, p.ContentHash) {
			if len(p.MerkleProof) > 0 && !VerifyMerkle(LeafHash(chunks[0]), p.MerkleProof, p.ContentHash) {
				return &IntegrityError{URI: p.StorageURI, Expected: p.ContentHash, Actual: "merkle proof does not fold to root"}
			}
			return nil
		}
	default:
		return &IntegrityError{URI: p.StorageURI, Expected: p.ContentHash, Actual: "unverifiable method " + p.Method}
	}
	return &IntegrityError{URI: p.StorageURI, Expected: p.ContentHash, Actual: actual}
}
