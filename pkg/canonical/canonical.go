// Package canonical provides the fixed normalization used for execution
// hashes and evidence serialization.
//
// Canonical JSON follows RFC 8785 (JSON Canonicalization Scheme): object keys
// are sorted, insignificant whitespace is removed and numbers use the
// ECMAScript shortest round-trip form, so 500, 500.0 and 5e2 all encode as 500.
//
// Normalize additionally makes string values whitespace-insensitive: leading
// and trailing whitespace is trimmed and inner runs collapse to one space.
// Map keys are never rewritten.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to every digest produced by this package.
const HashPrefix = "sha256:"

// JSON returns the RFC 8785 canonical encoding of v.
//
// v is first encoded with encoding/json (so struct tags apply) without HTML
// escaping, then transformed into canonical form.
func JSON(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// NormalizedJSON applies Normalize to v and returns its canonical encoding.
func NormalizedJSON(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return JSON(n)
}

// Normalize converts v into a generic JSON value tree with whitespace-folded
// strings. Numbers are kept as json.Number so no precision is lost before
// canonical encoding.
func Normalize(v any) (any, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return normalizeValue(generic), nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return FoldSpace(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalizeValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = normalizeValue(elem)
		}
		return out
	default:
		return v
	}
}

// FoldSpace trims s and collapses inner whitespace runs to a single space.
func FoldSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Hash returns the prefixed SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashJSON returns the digest of the canonical encoding of v.
func HashJSON(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// EqualHash compares two digests, ignoring case and the optional prefix.
func EqualHash(a, b string) bool {
	return strings.EqualFold(trimHashPrefix(a), trimHashPrefix(b))
}

func trimHashPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= len(HashPrefix) && strings.EqualFold(s[:len(HashPrefix)], HashPrefix) {
		return s[len(HashPrefix):]
	}
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
