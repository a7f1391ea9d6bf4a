package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash_IgnoresIDAndMeta(t *testing.T) {
	a := map[string]any{"resourceType": "Organization", "name": "Acme", "id": "1", "meta": map[string]any{"versionId": "1"}}
	b := map[string]any{"resourceType": "Organization", "name": "Acme", "id": "2", "meta": map[string]any{"versionId": "7"}}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHash_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"resourceType": "Organization", "name": "Acme", "active": true}
	b := map[string]any{"active": true, "name": "Acme", "resourceType": "Organization"}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHash_SliceOrderSignificant(t *testing.T) {
	a := map[string]any{"identifier": []any{"a", "b"}}
	b := map[string]any{"identifier": []any{"b", "a"}}
	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestHash_DoesNotMutateInput(t *testing.T) {
	resource := map[string]any{"id": "1", "name": "Acme"}
	Hash(resource)
	assert.Equal(t, "1", resource["id"])
}

func TestHash_DifferentContentDiffers(t *testing.T) {
	a := map[string]any{"name": "Acme"}
	b := map[string]any{"name": "Other"}
	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestHashUpstream_MatchesHashLocalAfterNamespacing(t *testing.T) {
	upstream := map[string]any{
		"resourceType": "HealthcareService",
		"id":           "42",
		"providedBy":   map[string]any{"reference": "Organization/7"},
	}
	local := map[string]any{
		"resourceType": "HealthcareService",
		"id":           "dir-1-42",
		"providedBy":   map[string]any{"reference": "Organization/dir-1-7"},
	}

	assert.Equal(t, HashUpstream(upstream, "dir-1"), HashLocal(local))
}

func TestHashUpstream_DoesNotMutateInput(t *testing.T) {
	upstream := map[string]any{
		"providedBy": map[string]any{"reference": "Organization/7"},
	}
	HashUpstream(upstream, "dir-1")
	providedBy := upstream["providedBy"].(map[string]any)
	assert.Equal(t, "Organization/7", providedBy["reference"])
}
