// Package txbuilder implements the Transaction Assembler (C6): turns
// classified adjacency nodes into a local FHIR transaction Bundle plus
// the resource-map mutations that must commit atomically with it.
package txbuilder

import (
	"encoding/json"
	"fmt"

	"github.com/nuts-foundation/mcsd-federation/lib/adjacency"
	"github.com/nuts-foundation/mcsd-federation/lib/classify"
	"github.com/nuts-foundation/mcsd-federation/lib/reference"
	"github.com/nuts-foundation/mcsd-federation/lib/resourcemap"
)

// Entry is one transaction-bundle entry paired with the resource-map
// mutation it requires, so the caller can persist both atomically with
// the bundle's acceptance (spec.md §4.6: "if it fails, neither side
// changes").
type Entry struct {
	Method       string // "PUT" or "DELETE"
	URL          string // "{resourceType}/{localResourceId}"
	Resource     json.RawMessage
	ResourceMap  resourcemap.Record
	MapOperation string // "upsert" or "delete"
}

// InvalidNodeStateError is raised when a node classified as delete has
// no resource map entry (spec.md §7 kind 6). An update without one gets
// a freshly namespaced local id instead.
type InvalidNodeStateError struct {
	Key adjacency.NodeKey
}

func (e *InvalidNodeStateError) Error() string {
	return fmt.Sprintf("invalid node state: no resource map entry for %s", e.Key)
}

// Build produces the Entry for one classified node. Nodes classified as
// "equal" or "ignore" emit nothing (nil, nil). Nodes classified as
// "unknown" are a programming error -- the classifier should never
// return it for a node actually routed here.
func Build(directoryID string, node *adjacency.Node, status classify.Status) (*Entry, error) {
	switch status {
	case classify.StatusEqual, classify.StatusIgnore:
		return nil, nil

	case classify.StatusDelete:
		if !node.HasResourceMap || node.LocalResourceID == "" {
			return nil, &InvalidNodeStateError{Key: node.Key}
		}
		url := node.Key.ResourceType + "/" + node.LocalResourceID
		return &Entry{
			Method: "DELETE",
			URL:    url,
			ResourceMap: resourcemap.Record{
				Key: resourcemap.Key{
					DirectoryID:        directoryID,
					ResourceType:       node.Key.ResourceType,
					UpstreamResourceID: node.Key.UpstreamID,
				},
				LocalResourceID: node.LocalResourceID,
			},
			MapOperation: "delete",
		}, nil

	case classify.StatusNew, classify.StatusUpdate:
		localID := node.LocalResourceID
		if localID == "" {
			localID = reference.NamespaceID(directoryID, node.Key.UpstreamID)
		}
		resourceCopy, err := cloneResource(node.UpstreamResource)
		if err != nil {
			return nil, err
		}
		reference.NamespaceResource(resourceCopy, directoryID)
		resourceCopy["id"] = localID
		if meta, ok := resourceCopy["meta"].(map[string]any); ok {
			delete(meta, "versionId")
			delete(meta, "lastUpdated")
		}
		body, err := json.Marshal(resourceCopy)
		if err != nil {
			return nil, fmt.Errorf("marshal namespaced resource %s: %w", node.Key, err)
		}
		url := node.Key.ResourceType + "/" + localID
		return &Entry{
			Method:   "PUT",
			URL:      url,
			Resource: body,
			ResourceMap: resourcemap.Record{
				Key: resourcemap.Key{
					DirectoryID:        directoryID,
					ResourceType:       node.Key.ResourceType,
					UpstreamResourceID: node.Key.UpstreamID,
				},
				LocalResourceID: localID,
				UpstreamHash:    node.UpstreamHash,
			},
			MapOperation: "upsert",
		}, nil

	default:
		return nil, fmt.Errorf("cannot build transaction entry for status %q on %s", status, node.Key)
	}
}

func cloneResource(in map[string]any) (map[string]any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal resource for deep-copy: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal resource for deep-copy: %w", err)
	}
	return out, nil
}
