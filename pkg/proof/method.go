// Package proof defines the immutable evidence values exchanged between
// backends, the determinism verifier and the evidence assembler.
//
// All types serialize to JSON with snake_case field names. Values are
// created once (at job resolution, storage put or assembly time) and must be
// treated as read-only afterwards; they are safe to share between goroutines
// without synchronization.
package proof

import (
	"fmt"
	"strings"
)

// Method identifies how a computation was attested.
type Method string

const (
	MethodTEESGX Method = "tee-sgx"
	MethodTEETDX Method = "tee-tdx"
	MethodTEEML  Method = "tee-ml"
	MethodZKML   Method = "zk-ml"
	MethodOPML   Method = "op-ml"
	MethodNone   Method = "none"
)

var knownMethods = map[Method]struct{}{
	MethodTEESGX: {},
	MethodTEETDX: {},
	MethodTEEML:  {},
	MethodZKML:   {},
	MethodOPML:   {},
	MethodNone:   {},
}

// ParseMethod parses a method name case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownMethods[m]; !ok {
		return "", fmt.Errorf("unknown verification method %q", s)
	}
	return m, nil
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	_, ok := knownMethods[m]
	return ok
}

// IsTEE reports whether m relies on hardware isolation.
func (m Method) IsTEE() bool {
	return m == MethodTEESGX || m == MethodTEETDX || m == MethodTEEML
}

// String returns the string representation of the method.
func (m Method) String() string {
	return string(m)
}
