package mcsd

import (
	"github.com/nuts-foundation/mcsd-federation/lib/coding"
)

// hasURAIdentifier checks if a resource (as map) has a URA identifier.
// Used by the LRZa Name Authority rule: a provider directory's Organization
// name is dropped in favor of LRZa's when the Organization carries a URA
// identifier, since LRZa is authoritative for care-organization names.
func hasURAIdentifier(resource map[string]any) bool {
	identifiers, ok := resource["identifier"].([]any)
	if !ok {
		return false
	}
	for _, id := range identifiers {
		idMap, ok := id.(map[string]any)
		if !ok {
			continue
		}
		if system, ok := idMap["system"].(string); ok && system == coding.URANamingSystem {
			return true
		}
	}
	return false
}
