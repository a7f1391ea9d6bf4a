// Package hash implements the Content Hasher (C3): a stable content
// fingerprint of a FHIR resource after stripping identity fields and
// namespacing its references, used by the Node Classifier to tell
// "equal" from "update".
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/nuts-foundation/mcsd-federation/lib/reference"
)

// Fingerprint is a deterministic content hash. Two resources that are
// identical after id/meta stripping (and, for upstream, namespacing)
// produce the same Fingerprint.
type Fingerprint string

// Hash deep-copies resource, nulls out id and meta, canonically
// serializes it with stable key order, and fingerprints the result.
func Hash(resource map[string]any) Fingerprint {
	clone := deepCopy(resource)
	delete(clone, "id")
	delete(clone, "meta")
	return fingerprint(clone)
}

// HashUpstream hashes resource after first namespacing every reference
// with namespace, so it is comparable against the local, already
// namespaced form.
func HashUpstream(resource map[string]any, namespace string) Fingerprint {
	clone := deepCopy(resource)
	reference.NamespaceResource(clone, namespace)
	return Hash(clone)
}

// HashLocal hashes resource as-is (it is already namespaced, being the
// local copy).
func HashLocal(resource map[string]any) Fingerprint {
	return Hash(resource)
}

func deepCopy(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = deepCopyValue(val)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

// fingerprint canonically serializes v (sorting object keys recursively)
// and returns the hex SHA-256 digest of the result.
func fingerprint(v any) Fingerprint {
	canonical := canonicalize(v)
	sum := sha256.Sum256(canonical)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// canonicalize produces deterministic JSON bytes: map keys are sorted,
// slice order is preserved (it is semantically significant in FHIR).
func canonicalize(v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, _ := json.Marshal(k)
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			buf = append(buf, canonicalize(val[k])...)
		}
		return append(buf, '}')
	case []any:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, canonicalize(item)...)
		}
		return append(buf, ']')
	default:
		b, _ := json.Marshal(val)
		return b
	}
}
