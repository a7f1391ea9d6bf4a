package reference

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference_RelativeTypeSlashID(t *testing.T) {
	ref, err := ParseReference("Organization/abc-123", "")
	require.NoError(t, err)
	assert.Equal(t, Ref{ResourceType: "Organization", ID: "abc-123"}, ref)
}

func TestParseReference_RejectsEmpty(t *testing.T) {
	_, err := ParseReference("   ", "")
	assert.Error(t, err)
}

func TestParseReference_RejectsContainedReference(t *testing.T) {
	_, err := ParseReference("#contained-1", "")
	assert.Error(t, err)
}

func TestParseReference_RejectsMalformedRelative(t *testing.T) {
	for _, bad := range []string{"Organization", "Organization/", "/abc-123", "a/b/c"} {
		_, err := ParseReference(bad, "")
		assert.Errorf(t, err, "expected %q to be rejected", bad)
	}
}

func TestParseReference_AbsoluteWithinBase(t *testing.T) {
	ref, err := ParseReference("https://directory.example.org/fhir/Organization/123", "https://directory.example.org/fhir")
	require.NoError(t, err)
	assert.Equal(t, Ref{ResourceType: "Organization", ID: "123"}, ref)
}

func TestParseReference_AbsoluteOutsideBaseRejected(t *testing.T) {
	_, err := ParseReference("https://other.example.org/fhir/Organization/123", "https://directory.example.org/fhir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong to directory base")
}

func TestParseReference_AbsoluteHistorySegment(t *testing.T) {
	ref, err := ParseReference("https://directory.example.org/fhir/Organization/123/_history/2", "https://directory.example.org/fhir")
	require.NoError(t, err)
	assert.Equal(t, Ref{ResourceType: "Organization", ID: "123"}, ref)
}

func TestParseReference_AbsoluteNoBaseCheckWhenBaseEmpty(t *testing.T) {
	ref, err := ParseReference("https://anywhere.example.org/fhir/Endpoint/9", "")
	require.NoError(t, err)
	assert.Equal(t, Ref{ResourceType: "Endpoint", ID: "9"}, ref)
}

func TestMatchesBase_RelativeAlwaysMatches(t *testing.T) {
	ok, err := MatchesBase("Organization/1", "https://directory.example.org/fhir")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesBase_PathPrefix(t *testing.T) {
	ok, err := MatchesBase("https://directory.example.org/fhir/sub/Organization/1", "https://directory.example.org/fhir")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchesBase("https://directory.example.org/other/Organization/1", "https://directory.example.org/fhir")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespaceID_ShortIDConcatenated(t *testing.T) {
	id := NamespaceID("dir-1", "abc")
	assert.Equal(t, "dir-1-abc", id)
}

func TestNamespaceID_LongIDHashed(t *testing.T) {
	longID := strings.Repeat("x", maxFHIRIDLength)
	id := NamespaceID("some-long-directory-namespace", longID)
	assert.LessOrEqual(t, len(id), maxFHIRIDLength)
	assert.NotContains(t, id, longID)
	// deterministic: same inputs hash the same way
	assert.Equal(t, id, NamespaceID("some-long-directory-namespace", longID))
}

func TestNamespaceID_DifferentNamespacesDontCollide(t *testing.T) {
	assert.NotEqual(t, NamespaceID("ns-a", "1"), NamespaceID("ns-b", "1"))
}

func TestNamespaceResource_RewritesNestedReferences(t *testing.T) {
	resource := map[string]any{
		"resourceType": "HealthcareService",
		"providedBy": map[string]any{
			"reference": "Organization/42",
		},
		"location": []any{
			map[string]any{"reference": "Location/7"},
		},
	}

	NamespaceResource(resource, "dir-1")

	providedBy := resource["providedBy"].(map[string]any)
	assert.Equal(t, "Organization/dir-1-42", providedBy["reference"])

	locations := resource["location"].([]any)
	loc0 := locations[0].(map[string]any)
	assert.Equal(t, "Location/dir-1-7", loc0["reference"])
}

func TestNamespaceResource_LeavesContainedReferences(t *testing.T) {
	resource := map[string]any{
		"owner": map[string]any{"reference": "#contained-1"},
	}
	NamespaceResource(resource, "dir-1")
	owner := resource["owner"].(map[string]any)
	assert.Equal(t, "#contained-1", owner["reference"])
}
