// Package adjacency implements the Adjacency Graph Builder (C4): given a
// page of upstream history entries, it assembles the closed graph of
// every resource that must be present locally to keep referential
// integrity, fetching missing references from upstream in batches
// bounded to O(depth) rather than O(refs).
//
// Per spec.md §9's design note on cyclic references, nodes live in a
// flat arena (Map.nodes) and are addressed by index; the Map itself only
// stores NodeKey -> index, so there is no Node <-> Map reference cycle.
package adjacency

import (
	"context"
	"fmt"

	"github.com/nuts-foundation/mcsd-federation/lib/hash"
)

// Method mirrors the three FHIR bundle-entry request verbs a history
// page node can carry.
type Method string

const (
	MethodPUT    Method = "PUT"
	MethodPOST   Method = "POST"
	MethodDELETE Method = "DELETE"
)

// NodeKey is the cache key for a node: resource type plus upstream id,
// never the id alone, so identically-numbered resources of different
// types never collide.
type NodeKey struct {
	ResourceType string
	UpstreamID   string
}

func (k NodeKey) String() string {
	return k.ResourceType + "/" + k.UpstreamID
}

// Node is one element of the adjacency closure.
type Node struct {
	Key    NodeKey
	Method Method

	// UpstreamResource is the decoded resource body as reported by the
	// upstream directory. Nil for DELETE nodes and for unresolved
	// markers.
	UpstreamResource map[string]any
	UpstreamHash     hash.Fingerprint
	HasUpstreamHash  bool

	// LocalResource/LocalHash are populated after the closure is built,
	// from a single batched local-store lookup.
	LocalResource map[string]any
	LocalHash     hash.Fingerprint
	HasLocalHash  bool

	// LocalResourceID is the namespaced id recorded in the resource map
	// for this node, if one exists.
	LocalResourceID string
	HasResourceMap  bool

	References []NodeKey

	// Unresolved marks a node that upstream could not supply when asked
	// (e.g. a 404 on a referenced id). Any node whose closure contains an
	// unresolved marker is eligible to classify as "ignore" (§4.5).
	Unresolved bool

	visited bool
}

// Map is the arena: a flat slice of nodes addressed by NodeKey -> index.
type Map struct {
	nodes []*Node
	index map[NodeKey]int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{index: make(map[NodeKey]int)}
}

// Add inserts n if its key is not already present (each node is created
// at most once); it returns the node actually stored under that key,
// which may be a prior insertion.
func (m *Map) Add(n *Node) *Node {
	if i, ok := m.index[n.Key]; ok {
		return m.nodes[i]
	}
	m.index[n.Key] = len(m.nodes)
	m.nodes = append(m.nodes, n)
	return n
}

// Get looks up a node by key.
func (m *Map) Get(key NodeKey) (*Node, bool) {
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.nodes[i], true
}

// All returns every node in insertion order.
func (m *Map) All() []*Node {
	return m.nodes
}

// MissingRefs returns every reference across all nodes whose target key
// is not yet present in the map.
func (m *Map) MissingRefs() []NodeKey {
	seen := make(map[NodeKey]bool)
	var out []NodeKey
	for _, n := range m.nodes {
		for _, ref := range n.References {
			if _, ok := m.index[ref]; ok {
				continue
			}
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}

// Group returns the connected component reachable from start via
// References, traversed breadth-first. Nodes are marked visited as a
// side effect; call ResetVisited between independent traversals.
func (m *Map) Group(start NodeKey) []*Node {
	startNode, ok := m.Get(start)
	if !ok {
		return nil
	}
	queue := []*Node{startNode}
	var group []*Node
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.visited {
			continue
		}
		n.visited = true
		group = append(group, n)
		for _, ref := range n.References {
			if next, ok := m.Get(ref); ok && !next.visited {
				queue = append(queue, next)
			}
		}
	}
	return group
}

// ResetVisited clears the BFS visited flag on every node.
func (m *Map) ResetVisited() {
	for _, n := range m.nodes {
		n.visited = false
	}
}

// UnresolvedReferencesError is returned when the closure loop cannot make
// further progress: some references are still missing and none of them
// are new candidates upstream hasn't already been asked about.
type UnresolvedReferencesError struct {
	Refs []NodeKey
}

func (e *UnresolvedReferencesError) Error() string {
	return fmt.Sprintf("adjacency closure failed: %d unresolved reference(s), e.g. %s", len(e.Refs), firstKey(e.Refs))
}

func firstKey(refs []NodeKey) string {
	if len(refs) == 0 {
		return ""
	}
	return refs[0].String()
}

// UpstreamBatchFetcher fetches a batch of resources from upstream by
// key, in a single request. Keys that upstream does not return are
// simply absent from the result map (not an error) -- the builder turns
// those into unresolved markers.
type UpstreamBatchFetcher func(ctx context.Context, keys []NodeKey) (map[NodeKey]map[string]any, error)

// ReferenceExtractor extracts the set of outgoing references from a
// decoded resource body.
type ReferenceExtractor func(resource map[string]any) []NodeKey

// Build runs the closure algorithm from spec.md §4.4: seed the map with
// the history page's nodes, then repeatedly resolve missing references --
// first from the warm cache (previously resolved nodes carried over
// between syncs, e.g. from a sibling call in the same pass), then in a
// single upstream batch per iteration -- until the map is closed or no
// progress can be made.
func Build(ctx context.Context, initial []*Node, extractRefs ReferenceExtractor, warmCache map[NodeKey]map[string]any, fetchUpstream UpstreamBatchFetcher) (*Map, error) {
	m := NewMap()
	for _, n := range initial {
		if n.References == nil && n.UpstreamResource != nil {
			n.References = extractRefs(n.UpstreamResource)
		}
		m.Add(n)
	}

	attempted := make(map[NodeKey]bool)
	for {
		missing := m.MissingRefs()
		if len(missing) == 0 {
			break
		}

		var unresolved []NodeKey
		for _, ref := range missing {
			if !attempted[ref] {
				unresolved = append(unresolved, ref)
			}
		}

		// Cache hits can satisfy references without consulting attempted:
		// they're free, and satisfying them may shrink next iteration's
		// missing set even for previously-attempted refs' dependents.
		var stillMissing []NodeKey
		for _, ref := range missing {
			if cached, ok := warmCache[ref]; ok {
				node := &Node{Key: ref, Method: MethodPUT, UpstreamResource: cached, References: extractRefs(cached)}
				m.Add(node)
				continue
			}
			stillMissing = append(stillMissing, ref)
		}
		if len(stillMissing) == 0 {
			continue
		}

		unresolved = unresolved[:0]
		for _, ref := range stillMissing {
			if !attempted[ref] {
				unresolved = append(unresolved, ref)
			}
		}
		if len(unresolved) == 0 {
			return m, &UnresolvedReferencesError{Refs: stillMissing}
		}

		fetched, err := fetchUpstream(ctx, unresolved)
		if err != nil {
			return nil, fmt.Errorf("batch-fetching %d referenced resource(s): %w", len(unresolved), err)
		}
		for _, key := range unresolved {
			attempted[key] = true
			if res, ok := fetched[key]; ok {
				m.Add(&Node{Key: key, Method: MethodPUT, UpstreamResource: res, References: extractRefs(res)})
			} else {
				m.Add(&Node{Key: key, Unresolved: true})
			}
		}
	}
	return m, nil
}

// HasUnresolvedInClosure reports whether n or any node reachable from n
// (via References, already present in m) is an unresolved marker. Per
// §4.5, such nodes are eligible to classify as "ignore".
func HasUnresolvedInClosure(m *Map, n *Node) bool {
	m.ResetVisited()
	defer m.ResetVisited()
	queue := []*Node{n}
	visited := map[NodeKey]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.Key] {
			continue
		}
		visited[cur.Key] = true
		if cur.Unresolved {
			return true
		}
		for _, ref := range cur.References {
			if next, ok := m.Get(ref); ok && !visited[next.Key] {
				queue = append(queue, next)
			}
		}
	}
	return false
}
