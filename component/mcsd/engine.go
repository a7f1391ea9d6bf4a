package mcsd

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/lib/adjacency"
	"github.com/nuts-foundation/mcsd-federation/lib/classify"
	"github.com/nuts-foundation/mcsd-federation/lib/coding"
	"github.com/nuts-foundation/mcsd-federation/lib/hash"
	"github.com/nuts-foundation/mcsd-federation/lib/resourcemap"
	"github.com/nuts-foundation/mcsd-federation/lib/txbuilder"
)

// defaultResourceMapRetryBaseDelay is the base delay for the resource-map
// upsert retry loop (DESIGN.md open question #3: a deterministic
// exponential backoff, 3 attempts, base 100ms, factor 2).
const defaultResourceMapRetryBaseDelay = 100 * time.Millisecond

// buildInitialNodes turns one directory pass's deduplicated history/search
// entries into adjacency seed nodes, applying the two directory-level
// filters that used to live in buildUpdateTransaction:
//
//   - LRZa Name Authority: an Organization with a URA identifier never has
//     its name overwritten by a non-root (provider) directory.
//   - discoverable-directory sync suppression: resources from a
//     discoverable (root) directory are not themselves synced, except
//     mCSD directory Endpoints, which are imported for resilience even
//     from the root.
func buildInitialNodes(entries []fhir.BundleEntry, allowedResourceTypes []string, isDiscoverableDirectory bool) ([]*adjacency.Node, []string) {
	var nodes []*adjacency.Node
	var warnings []string

	for i, entry := range entries {
		if entry.Request == nil {
			warnings = append(warnings, fmt.Sprintf("entry #%d: missing 'request' field", i))
			continue
		}

		if entry.Request.Method == fhir.HTTPVerbDELETE {
			resourceType, resourceID, ok := parseDeleteURL(entry.Request.Url)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("entry #%d: invalid DELETE URL %q", i, entry.Request.Url))
				continue
			}
			if !slices.Contains(allowedResourceTypes, resourceType) {
				continue
			}
			nodes = append(nodes, &adjacency.Node{
				Key:    adjacency.NodeKey{ResourceType: resourceType, UpstreamID: resourceID},
				Method: adjacency.MethodDELETE,
			})
			continue
		}

		if entry.Resource == nil {
			warnings = append(warnings, fmt.Sprintf("entry #%d: missing 'resource' field for non-DELETE operation", i))
			continue
		}
		resource := make(map[string]any)
		if err := json.Unmarshal(entry.Resource, &resource); err != nil {
			warnings = append(warnings, fmt.Sprintf("entry #%d: unmarshal resource: %s", i, err.Error()))
			continue
		}
		resourceType, _ := resource["resourceType"].(string)
		resourceID, _ := resource["id"].(string)
		if resourceType == "" || resourceID == "" {
			warnings = append(warnings, fmt.Sprintf("entry #%d: resource missing resourceType/id", i))
			continue
		}
		if !slices.Contains(allowedResourceTypes, resourceType) {
			continue
		}

		if resourceType == "Organization" && !isDiscoverableDirectory && hasURAIdentifier(resource) {
			delete(resource, "name")
		}

		if isDiscoverableDirectory {
			doSync := false
			if resourceType == "Endpoint" {
				var endpoint fhir.Endpoint
				if err := json.Unmarshal(entry.Resource, &endpoint); err == nil {
					doSync = coding.CodablesIncludesCode(endpoint.PayloadType, coding.PayloadCoding)
				}
			}
			if !doSync {
				continue
			}
		}

		nodes = append(nodes, &adjacency.Node{
			Key:              adjacency.NodeKey{ResourceType: resourceType, UpstreamID: resourceID},
			Method:           adjacency.MethodPUT,
			UpstreamResource: resource,
		})
	}

	return nodes, warnings
}

func parseDeleteURL(requestURL string) (resourceType, resourceID string, ok bool) {
	parts := strings.Split(requestURL, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// upstreamFetcher adapts a directory's raw FHIR client into the
// adjacency.UpstreamBatchFetcher shape: one GET per missing reference.
// Upstream not having a referenced resource (a 404, or any other
// transport failure) is not itself an error here -- the key is simply
// left out of the result, which Build turns into an unresolved marker
// (spec.md §4.4).
func upstreamFetcher(ctx context.Context, client fhirclient.Client) adjacency.UpstreamBatchFetcher {
	return func(ctx context.Context, keys []adjacency.NodeKey) (map[adjacency.NodeKey]map[string]any, error) {
		out := make(map[adjacency.NodeKey]map[string]any, len(keys))
		for _, key := range keys {
			var raw map[string]any
			if err := client.ReadWithContext(ctx, key.String(), &raw); err != nil {
				continue
			}
			out[key] = raw
		}
		return out, nil
	}
}

// reconcile runs C4-C6 over nodes (already filtered to allowed resource
// types for this directory pass): builds the referential closure,
// classifies every node against the resource map, and assembles the
// local transaction bundle plus the resource-map mutations that must
// commit alongside it.
func reconcile(ctx context.Context, directoryID string, nodes []*adjacency.Node, baseURL string, remoteClient fhirclient.Client, resourceMapStore resourcemap.Store) (fhir.Bundle, []txbuilder.Entry, []string, error) {
	extractRefs := func(resource map[string]any) []adjacency.NodeKey {
		return adjacency.ExtractReferences(resource, baseURL)
	}

	m, err := adjacency.Build(ctx, nodes, extractRefs, nil, upstreamFetcher(ctx, remoteClient))
	if err != nil {
		if _, ok := err.(*adjacency.UnresolvedReferencesError); !ok {
			return fhir.Bundle{}, nil, nil, fmt.Errorf("build adjacency closure: %w", err)
		}
	}
	if m == nil {
		return fhir.Bundle{}, nil, nil, fmt.Errorf("build adjacency closure: no map produced")
	}

	var warnings []string
	tx := fhir.Bundle{Type: fhir.BundleTypeTransaction}
	var mutations []txbuilder.Entry

	for _, node := range m.All() {
		key := resourcemap.Key{DirectoryID: directoryID, ResourceType: node.Key.ResourceType, UpstreamResourceID: node.Key.UpstreamID}
		record, found, err := resourceMapStore.Get(ctx, key)
		if err != nil {
			return fhir.Bundle{}, nil, nil, fmt.Errorf("look up resource map entry for %s: %w", node.Key, err)
		}
		if found && record.DeletedAt == nil {
			node.HasResourceMap = true
			node.LocalResourceID = record.LocalResourceID
			node.LocalHash = record.UpstreamHash
			node.HasLocalHash = true
		}
		if node.UpstreamResource != nil {
			node.UpstreamHash = hash.HashUpstream(node.UpstreamResource, directoryID)
			node.HasUpstreamHash = true
		}

		status := classify.Classify(classify.Input{
			Method:              node.Method,
			UpstreamHash:        node.UpstreamHash,
			HasUpstreamHash:     node.HasUpstreamHash,
			LocalHash:           node.LocalHash,
			HasLocalHash:        node.HasLocalHash,
			HasResourceMap:      node.HasResourceMap,
			UnresolvedInClosure: adjacency.HasUnresolvedInClosure(m, node),
		})

		entry, err := txbuilder.Build(directoryID, node, status)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %s", node.Key, err.Error()))
			continue
		}
		if entry == nil {
			continue
		}

		bundleEntry := fhir.BundleEntry{
			Request: &fhir.BundleEntryRequest{Url: entry.URL},
		}
		switch entry.Method {
		case "DELETE":
			bundleEntry.Request.Method = fhir.HTTPVerbDELETE
		default:
			bundleEntry.Request.Method = fhir.HTTPVerbPUT
			bundleEntry.Resource = entry.Resource
		}
		tx.Entry = append(tx.Entry, bundleEntry)
		mutations = append(mutations, *entry)
	}

	return tx, mutations, warnings, nil
}

// applyResourceMapMutations commits every mutation produced by reconcile.
// It is only called after the transaction bundle has been accepted by the
// query directory, so the resource map and the query directory's actual
// contents never diverge (spec.md §4.6).
func applyResourceMapMutations(ctx context.Context, store resourcemap.Store, mutations []txbuilder.Entry) error {
	for _, mutation := range mutations {
		switch mutation.MapOperation {
		case "upsert":
			if err := resourcemap.WithRetry(ctx, 3, defaultResourceMapRetryBaseDelay, func() error {
				return store.Upsert(ctx, mutation.ResourceMap)
			}); err != nil {
				return fmt.Errorf("upsert resource map entry for %s: %w", mutation.ResourceMap.Key, err)
			}
		case "delete":
			if err := store.Delete(ctx, mutation.ResourceMap.Key); err != nil {
				return fmt.Errorf("delete resource map entry for %s: %w", mutation.ResourceMap.Key, err)
			}
		}
	}
	return nil
}
