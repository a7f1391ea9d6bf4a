package adjacency

import (
	"github.com/nuts-foundation/mcsd-federation/lib/reference"
)

// ExtractReferences walks a decoded resource body and returns every
// "Type/id" reference found under a "reference" key, as NodeKeys
// suitable for adjacency closure. Contained references ("#...") are
// skipped. Absolute references whose origin+path-prefix does not match
// baseURL belong to a different directory and are skipped too -- they
// are not part of this directory's closure (spec.md §4.2 policy note).
func ExtractReferences(resource map[string]any, baseURL string) []NodeKey {
	var out []NodeKey
	seen := make(map[NodeKey]bool)
	collectReferences(resource, baseURL, &out, seen)
	return out
}

func collectReferences(v any, baseURL string, out *[]NodeKey, seen map[NodeKey]bool) {
	switch val := v.(type) {
	case map[string]any:
		if refStr, ok := val["reference"].(string); ok {
			if ref, err := reference.ParseReference(refStr, baseURL); err == nil {
				key := NodeKey{ResourceType: ref.ResourceType, UpstreamID: ref.ID}
				if !seen[key] {
					seen[key] = true
					*out = append(*out, key)
				}
			}
		}
		for _, child := range val {
			collectReferences(child, baseURL, out, seen)
		}
	case []any:
		for _, item := range val {
			collectReferences(item, baseURL, out, seen)
		}
	}
}
