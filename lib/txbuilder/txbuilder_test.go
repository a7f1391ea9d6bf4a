package txbuilder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuts-foundation/mcsd-federation/lib/adjacency"
	"github.com/nuts-foundation/mcsd-federation/lib/classify"
)

func orgNode(upstreamID string) *adjacency.Node {
	return &adjacency.Node{
		Key:              adjacency.NodeKey{ResourceType: "Organization", UpstreamID: upstreamID},
		UpstreamResource: map[string]any{"resourceType": "Organization", "id": upstreamID, "name": "Acme"},
		UpstreamHash:     "fingerprint-1",
	}
}

func TestBuild_EqualAndIgnoreEmitNothing(t *testing.T) {
	node := orgNode("1")
	for _, status := range []classify.Status{classify.StatusEqual, classify.StatusIgnore} {
		entry, err := Build("dir-1", node, status)
		require.NoError(t, err)
		assert.Nil(t, entry)
	}
}

func TestBuild_NewProducesPutWithNamespacedID(t *testing.T) {
	node := orgNode("1")
	entry, err := Build("dir-1", node, classify.StatusNew)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "PUT", entry.Method)
	assert.Equal(t, "Organization/dir-1-1", entry.URL)
	assert.Equal(t, "upsert", entry.MapOperation)
	assert.Equal(t, "dir-1-1", entry.ResourceMap.LocalResourceID)
	assert.Equal(t, node.UpstreamHash, entry.ResourceMap.UpstreamHash)

	var body map[string]any
	require.NoError(t, json.Unmarshal(entry.Resource, &body))
	assert.Equal(t, "dir-1-1", body["id"])
}

func TestBuild_UpdateReusesExistingLocalResourceID(t *testing.T) {
	node := orgNode("1")
	node.LocalResourceID = "custom-local-id"
	entry, err := Build("dir-1", node, classify.StatusUpdate)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Organization/custom-local-id", entry.URL)

	var body map[string]any
	require.NoError(t, json.Unmarshal(entry.Resource, &body))
	assert.Equal(t, "custom-local-id", body["id"])
}

func TestBuild_UpdateStripsVersionMetadata(t *testing.T) {
	node := orgNode("1")
	node.UpstreamResource["meta"] = map[string]any{"versionId": "3", "lastUpdated": "2026-01-01", "profile": []any{"x"}}

	entry, err := Build("dir-1", node, classify.StatusUpdate)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(entry.Resource, &body))
	meta := body["meta"].(map[string]any)
	_, hasVersion := meta["versionId"]
	_, hasLastUpdated := meta["lastUpdated"]
	assert.False(t, hasVersion)
	assert.False(t, hasLastUpdated)
	assert.Contains(t, meta, "profile")
}

func TestBuild_DeleteRequiresResourceMap(t *testing.T) {
	node := orgNode("1")
	node.HasResourceMap = false
	_, err := Build("dir-1", node, classify.StatusDelete)
	require.Error(t, err)
	var invalidState *InvalidNodeStateError
	assert.ErrorAs(t, err, &invalidState)
}

func TestBuild_DeleteProducesDeleteEntry(t *testing.T) {
	node := orgNode("1")
	node.HasResourceMap = true
	node.LocalResourceID = "dir-1-1"
	entry, err := Build("dir-1", node, classify.StatusDelete)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "DELETE", entry.Method)
	assert.Equal(t, "Organization/dir-1-1", entry.URL)
	assert.Equal(t, "delete", entry.MapOperation)
}

func TestBuild_RejectsUnknownStatus(t *testing.T) {
	node := orgNode("1")
	_, err := Build("dir-1", node, classify.StatusUnknown)
	assert.Error(t, err)
}

func TestBuild_NamespacesNestedReferences(t *testing.T) {
	node := orgNode("1")
	node.UpstreamResource["partOf"] = map[string]any{"reference": "Organization/99"}

	entry, err := Build("dir-1", node, classify.StatusNew)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(entry.Resource, &body))
	partOf := body["partOf"].(map[string]any)
	assert.Equal(t, "Organization/dir-1-99", partOf["reference"])
}
