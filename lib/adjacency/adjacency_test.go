package adjacency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orgKey(id string) NodeKey { return NodeKey{ResourceType: "Organization", UpstreamID: id} }

func noExtract(map[string]any) []NodeKey { return nil }

func TestMap_AddIsIdempotentPerKey(t *testing.T) {
	m := NewMap()
	first := m.Add(&Node{Key: orgKey("1")})
	second := m.Add(&Node{Key: orgKey("1")})
	assert.Same(t, first, second)
	assert.Len(t, m.All(), 1)
}

func TestMap_MissingRefs(t *testing.T) {
	m := NewMap()
	m.Add(&Node{Key: orgKey("1"), References: []NodeKey{orgKey("2")}})
	assert.Equal(t, []NodeKey{orgKey("2")}, m.MissingRefs())

	m.Add(&Node{Key: orgKey("2")})
	assert.Empty(t, m.MissingRefs())
}

func TestMap_Group_TraversesConnectedComponent(t *testing.T) {
	m := NewMap()
	m.Add(&Node{Key: orgKey("1"), References: []NodeKey{orgKey("2")}})
	m.Add(&Node{Key: orgKey("2"), References: []NodeKey{orgKey("3")}})
	m.Add(&Node{Key: orgKey("3")})
	m.Add(&Node{Key: orgKey("unreachable")})

	group := m.Group(orgKey("1"))
	require.Len(t, group, 3)

	keys := make(map[NodeKey]bool)
	for _, n := range group {
		keys[n.Key] = true
	}
	assert.True(t, keys[orgKey("1")])
	assert.True(t, keys[orgKey("2")])
	assert.True(t, keys[orgKey("3")])
	assert.False(t, keys[orgKey("unreachable")])
}

func TestMap_Group_HandlesCycles(t *testing.T) {
	m := NewMap()
	m.Add(&Node{Key: orgKey("1"), References: []NodeKey{orgKey("2")}})
	m.Add(&Node{Key: orgKey("2"), References: []NodeKey{orgKey("1")}})

	group := m.Group(orgKey("1"))
	assert.Len(t, group, 2)
}

func TestBuild_ResolvesFromWarmCacheWithoutFetching(t *testing.T) {
	initial := []*Node{
		{Key: orgKey("1"), UpstreamResource: map[string]any{"id": "1"}, References: []NodeKey{orgKey("2")}},
	}
	warmCache := map[NodeKey]map[string]any{
		orgKey("2"): {"id": "2"},
	}
	fetchCalled := false
	fetch := func(ctx context.Context, keys []NodeKey) (map[NodeKey]map[string]any, error) {
		fetchCalled = true
		return nil, nil
	}

	m, err := Build(context.Background(), initial, noExtract, warmCache, fetch)
	require.NoError(t, err)
	assert.False(t, fetchCalled)
	_, ok := m.Get(orgKey("2"))
	assert.True(t, ok)
}

func TestBuild_FetchesMissingReferencesUpstream(t *testing.T) {
	initial := []*Node{
		{Key: orgKey("1"), UpstreamResource: map[string]any{"id": "1"}, References: []NodeKey{orgKey("2")}},
	}
	fetch := func(ctx context.Context, keys []NodeKey) (map[NodeKey]map[string]any, error) {
		require.Equal(t, []NodeKey{orgKey("2")}, keys)
		return map[NodeKey]map[string]any{orgKey("2"): {"id": "2"}}, nil
	}

	m, err := Build(context.Background(), initial, noExtract, nil, fetch)
	require.NoError(t, err)
	node, ok := m.Get(orgKey("2"))
	require.True(t, ok)
	assert.False(t, node.Unresolved)
}

func TestBuild_MarksUnresolvedWhenUpstreamOmitsKey(t *testing.T) {
	initial := []*Node{
		{Key: orgKey("1"), UpstreamResource: map[string]any{"id": "1"}, References: []NodeKey{orgKey("missing")}},
	}
	fetch := func(ctx context.Context, keys []NodeKey) (map[NodeKey]map[string]any, error) {
		return map[NodeKey]map[string]any{}, nil
	}

	m, err := Build(context.Background(), initial, noExtract, nil, fetch)
	require.NoError(t, err)
	node, ok := m.Get(orgKey("missing"))
	require.True(t, ok)
	assert.True(t, node.Unresolved)
}

func TestBuild_PropagatesFetchError(t *testing.T) {
	initial := []*Node{
		{Key: orgKey("1"), UpstreamResource: map[string]any{"id": "1"}, References: []NodeKey{orgKey("2")}},
	}
	boom := errors.New("upstream unavailable")
	fetch := func(ctx context.Context, keys []NodeKey) (map[NodeKey]map[string]any, error) {
		return nil, boom
	}

	_, err := Build(context.Background(), initial, noExtract, nil, fetch)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestHasUnresolvedInClosure(t *testing.T) {
	m := NewMap()
	m.Add(&Node{Key: orgKey("1"), References: []NodeKey{orgKey("2")}})
	unresolved := m.Add(&Node{Key: orgKey("2"), Unresolved: true})

	n1, _ := m.Get(orgKey("1"))
	assert.True(t, HasUnresolvedInClosure(m, n1))
	assert.True(t, HasUnresolvedInClosure(m, unresolved))

	m2 := NewMap()
	m2.Add(&Node{Key: orgKey("3")})
	n3, _ := m2.Get(orgKey("3"))
	assert.False(t, HasUnresolvedInClosure(m2, n3))
}
