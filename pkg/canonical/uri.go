package canonical

import "strings"

// schemeAliases maps alternative storage schemes to their canonical form.
var schemeAliases = map[string]string{
	"zerog": "0g",
}

// NormalizeURI returns the canonical form of a storage URI.
//
// URIs are opaque keys; only the scheme is normalized. Surrounding whitespace
// and trailing slashes are removed, the scheme is lowercased and known
// aliases (zerog:// for 0g://) are folded. The remainder is left untouched
// because content identifiers are case sensitive.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimRight(uri, "/")

	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return uri
	}

	scheme := strings.ToLower(uri[:idx])
	if alias, ok := schemeAliases[scheme]; ok {
		scheme = alias
	}
	return scheme + uri[idx:]
}

// SameURI reports whether two storage URIs are equal after normalization.
func SameURI(a, b string) bool {
	na, nb := NormalizeURI(a), NormalizeURI(b)
	return na != "" && na == nb
}

// URIScheme returns the normalized scheme of uri, or "" when it has none.
func URIScheme(uri string) string {
	n := NormalizeURI(uri)
	idx := strings.Index(n, "://")
	if idx <= 0 {
		return ""
	}
	return n[:idx]
}
