package graph

import (
	"testing"

	"github.com/codeindex/codeindex/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_EstablishesInverseCallsEdge(t *testing.T) {
	g := New()

	require.NoError(t, g.Upsert(ElementStructure{ID: "A", Kind: store.KindMethod, Calls: []string{"B"}}))

	b, ok := g.Get("B")
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, b.CalledBy)
}

func TestUpsert_EstablishesInverseExtendsAndImplements(t *testing.T) {
	g := New()

	require.NoError(t, g.Upsert(ElementStructure{ID: "Base", Kind: store.KindClass}))
	require.NoError(t, g.Upsert(ElementStructure{ID: "IFace", Kind: store.KindInterface}))
	require.NoError(t, g.Upsert(ElementStructure{
		ID:         "Child",
		Kind:       store.KindClass,
		Extends:    "Base",
		Implements: []string{"IFace"},
	}))

	assert.Equal(t, []string{"Child"}, g.Neighbors("Base", []EdgeKind{EdgeSubclassedBy}, 1))
	assert.Equal(t, []string{"Child"}, g.Neighbors("IFace", []EdgeKind{EdgeImplementedBy}, 1))
}

func TestUpsert_RejectsSelfEdges(t *testing.T) {
	g := New()

	err := g.Upsert(ElementStructure{ID: "A", Kind: store.KindClass, Extends: "A"})
	assert.ErrorIs(t, err, ErrSelfEdge)

	err = g.Upsert(ElementStructure{ID: "B", Kind: store.KindClass, Implements: []string{"B"}})
	assert.ErrorIs(t, err, ErrSelfEdge)

	err = g.Upsert(ElementStructure{ID: "C", Kind: store.KindMethod, Overrides: []string{"C"}})
	assert.ErrorIs(t, err, ErrSelfEdge)
}

func TestUpsert_RejectsNonClassInstantiatesTarget(t *testing.T) {
	g := New()
	require.NoError(t, g.Upsert(ElementStructure{ID: "doStuff", Kind: store.KindFreeFunc}))

	err := g.Upsert(ElementStructure{ID: "caller", Kind: store.KindMethod, Instantiates: []string{"doStuff"}})
	assert.ErrorIs(t, err, ErrBadEdgeTarget)
}

func TestUpsert_ReplacingNodeDropsStaleEdges(t *testing.T) {
	g := New()

	require.NoError(t, g.Upsert(ElementStructure{ID: "A", Kind: store.KindMethod, Calls: []string{"B"}}))
	require.NoError(t, g.Upsert(ElementStructure{ID: "A", Kind: store.KindMethod, Calls: []string{"C"}}))

	b, _ := g.Get("B")
	assert.Empty(t, b.CalledBy, "stale inverse edge from the prior version of A must be gone")

	c, ok := g.Get("C")
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, c.CalledBy)
}

func TestRemove_ClearsIncidentEdgesBothDirections(t *testing.T) {
	g := New()

	require.NoError(t, g.Upsert(ElementStructure{ID: "Base", Kind: store.KindClass}))
	require.NoError(t, g.Upsert(ElementStructure{ID: "Child", Kind: store.KindClass, Extends: "Base"}))
	require.NoError(t, g.Upsert(ElementStructure{ID: "caller", Kind: store.KindMethod, Calls: []string{"Child"}}))

	g.Remove("Child")

	_, ok := g.Get("Child")
	assert.False(t, ok)

	assert.Empty(t, g.Neighbors("Base", []EdgeKind{EdgeSubclassedBy}, 1))

	caller, ok := g.Get("caller")
	require.True(t, ok)
	assert.Empty(t, caller.Calls)
}

func TestNeighbors_RespectsDepth(t *testing.T) {
	g := New()
	require.NoError(t, g.Upsert(ElementStructure{ID: "A", Kind: store.KindMethod, Calls: []string{"B"}}))
	require.NoError(t, g.Upsert(ElementStructure{ID: "B", Kind: store.KindMethod, Calls: []string{"C"}}))

	assert.Equal(t, []string{"B"}, g.Neighbors("A", []EdgeKind{EdgeCalls}, 1))
	assert.Equal(t, []string{"B", "C"}, g.Neighbors("A", []EdgeKind{EdgeCalls}, 2))
}
