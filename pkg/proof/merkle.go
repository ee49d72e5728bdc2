package proof

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/3leaps/procverify/pkg/canonical"
)

// DefaultChunkSize is the leaf size used for Merkle-addressed content.
const DefaultChunkSize = 1024

// Leaves and interior nodes hash under distinct one-byte prefixes, so an
// interior node can never be presented as a leaf.
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// Chunk splits data into size-byte leaves. Empty data yields one empty leaf.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// LeafHash hashes one leaf.
func LeafHash(chunk []byte) string {
	return hex.EncodeToString(leafDigest(chunk))
}

func leafDigest(chunk []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(chunk)
	return h.Sum(nil)
}

// nodeHash combines two child hashes. Children are ordered bytewise before
// hashing so that proofs need no left/right markers.
func nodeHash(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

func leafLevel(chunks [][]byte) [][]byte {
	level := make([][]byte, len(chunks))
	for i, c := range chunks {
		level[i] = leafDigest(c)
	}
	return level
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			// Unpaired nodes are promoted unchanged.
			next = append(next, level[i])
			continue
		}
		next = append(next, nodeHash(level[i], level[i+1]))
	}
	return next
}

// MerkleRoot returns the prefixed root hash over chunks.
func MerkleRoot(chunks [][]byte) string {
	level := leafLevel(chunks)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return canonical.HashPrefix + hex.EncodeToString(level[0])
}

// MerklePath returns the ordered sibling hashes from leaf index to the root.
// Levels where the node is unpaired contribute no sibling.
func MerklePath(chunks [][]byte, index int) []string {
	if index < 0 || index >= len(chunks) {
		return nil
	}
	var path []string
	level := leafLevel(chunks)
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			path = append(path, hex.EncodeToString(level[sibling]))
		}
		level = nextLevel(level)
		index /= 2
	}
	return path
}

// VerifyMerkle folds leafHash with the sibling path and compares the result
// to root.
func VerifyMerkle(leafHash string, path []string, root string) bool {
	current, err := hex.DecodeString(leafHash)
	if err != nil {
		return false
	}
	for _, s := range path {
		sibling, err := hex.DecodeString(s)
		if err != nil {
			return false
		}
		current = nodeHash(current, sibling)
	}
	return canonical.EqualHash(hex.EncodeToString(current), root)
}
