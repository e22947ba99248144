// Package graph implements the Structural Index: a bidirectional graph over
// symbol ids with typed edges (calls, overrides, extends, implements, field
// access, instantiation, type usage). Reads are lock-free against an
// immutable copy-on-write adjacency snapshot; writes are serialized and
// re-establish the symmetric inverse edge on every upsert/remove.
//
// Design is grounded on the edge-kind vocabulary and API shape of
// standalone call-graph libraries in the wild (node/edge/neighbor contract,
// typed relationship enum); no code from any such library is reused here,
// only the shape of the problem.
package graph

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/codeindex/codeindex/internal/store"
)

// EdgeKind enumerates the typed relations a Structural Index edge may carry.
// subclassed_by and implemented_by are graph-maintained inverses of
// extends/implements; they are not writable fields on ElementStructure,
// only queryable via Neighbors.
type EdgeKind string

const (
	EdgeCalls         EdgeKind = "calls"
	EdgeCalledBy      EdgeKind = "called_by"
	EdgeOverrides     EdgeKind = "overrides"
	EdgeOverriddenBy  EdgeKind = "overridden_by"
	EdgeExtends       EdgeKind = "extends"
	EdgeSubclassedBy  EdgeKind = "subclassed_by"
	EdgeImplements    EdgeKind = "implements"
	EdgeImplementedBy EdgeKind = "implemented_by"
	EdgeReadsField    EdgeKind = "reads_field"
	EdgeWritesField   EdgeKind = "writes_field"
	EdgeInstantiates  EdgeKind = "instantiates"
	EdgeUsesType      EdgeKind = "uses_type"
)

// ElementStructure is a node in the Structural Index. Callers set only the
// forward-declared relations (Calls, Overrides, Extends, Implements,
// ReadsField, WritesField, Instantiates, UsesType); CalledBy and
// OverriddenBy are graph-maintained and overwritten on every Upsert.
type ElementStructure struct {
	ID   string
	Kind store.SymbolKind

	Extends    string // optional; empty means none
	Implements []string

	Overrides    []string
	OverriddenBy []string // graph-maintained

	Calls    []string
	CalledBy []string // graph-maintained

	ReadsField  []string
	WritesField []string

	Instantiates []string
	UsesType     []string
}

// node wraps an ElementStructure with the private reverse indices
// (subclassed_by, implemented_by) that have no place in the public struct.
type node struct {
	data          ElementStructure
	subclassedBy  []string
	implementedBy []string
}

type snapshot map[string]*node

// ErrSelfEdge is returned when extends/overrides/implements names the node
// itself as its own target.
var ErrSelfEdge = fmt.Errorf("structural index: self-edge not permitted")

// ErrBadEdgeTarget is returned when instantiates/uses_type targets a known
// node whose kind is not a class.
var ErrBadEdgeTarget = fmt.Errorf("structural index: edge target must be a class")

// Graph is the Structural Index. The zero value is not usable; use New.
type Graph struct {
	writeMu sync.Mutex // serializes the copy-on-write swap
	snap    atomic.Pointer[snapshot]
}

// New returns an empty Structural Index.
func New() *Graph {
	g := &Graph{}
	empty := make(snapshot)
	g.snap.Store(&empty)
	return g
}

func (g *Graph) load() snapshot {
	return *g.snap.Load()
}

func cloneSnapshot(s snapshot) snapshot {
	next := make(snapshot, len(s)+4)
	for k, v := range s {
		cp := *v
		cp.data.Implements = append([]string(nil), v.data.Implements...)
		cp.data.OverriddenBy = append([]string(nil), v.data.OverriddenBy...)
		cp.data.Overrides = append([]string(nil), v.data.Overrides...)
		cp.data.Calls = append([]string(nil), v.data.Calls...)
		cp.data.CalledBy = append([]string(nil), v.data.CalledBy...)
		cp.data.ReadsField = append([]string(nil), v.data.ReadsField...)
		cp.data.WritesField = append([]string(nil), v.data.WritesField...)
		cp.data.Instantiates = append([]string(nil), v.data.Instantiates...)
		cp.data.UsesType = append([]string(nil), v.data.UsesType...)
		cp.subclassedBy = append([]string(nil), v.subclassedBy...)
		cp.implementedBy = append([]string(nil), v.implementedBy...)
		next[k] = &cp
	}
	return next
}

func validateSelfEdges(s ElementStructure) error {
	if s.Extends == s.ID {
		return fmt.Errorf("%w: %q extends itself", ErrSelfEdge, s.ID)
	}
	for _, o := range s.Overrides {
		if o == s.ID {
			return fmt.Errorf("%w: %q overrides itself", ErrSelfEdge, s.ID)
		}
	}
	for _, i := range s.Implements {
		if i == s.ID {
			return fmt.Errorf("%w: %q implements itself", ErrSelfEdge, s.ID)
		}
	}
	return nil
}

// getOrCreate returns the node for id, creating an untyped placeholder (a
// forward reference to a symbol not yet indexed) if absent.
func getOrCreate(next snapshot, id string) *node {
	if n, ok := next[id]; ok {
		return n
	}
	n := &node{data: ElementStructure{ID: id}}
	next[id] = n
	return n
}

func addUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func removeValue(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// detachForwardEdges removes every inverse edge that old's forward edges
// had established on other nodes, in preparation for replacing old with a
// new version of the same node (or removing it outright).
func detachForwardEdges(next snapshot, id string, old ElementStructure) {
	for _, target := range old.Calls {
		if t, ok := next[target]; ok {
			t.data.CalledBy = removeValue(t.data.CalledBy, id)
		}
	}
	for _, target := range old.Overrides {
		if t, ok := next[target]; ok {
			t.data.OverriddenBy = removeValue(t.data.OverriddenBy, id)
		}
	}
	if old.Extends != "" {
		if t, ok := next[old.Extends]; ok {
			t.subclassedBy = removeValue(t.subclassedBy, id)
		}
	}
	for _, target := range old.Implements {
		if t, ok := next[target]; ok {
			t.implementedBy = removeValue(t.implementedBy, id)
		}
	}
}

// attachForwardEdges establishes the inverse edge for every forward edge on
// s, creating placeholder nodes for targets not yet indexed.
func attachForwardEdges(next snapshot, id string, s ElementStructure) {
	for _, target := range s.Calls {
		t := getOrCreate(next, target)
		t.data.CalledBy = addUnique(t.data.CalledBy, id)
	}
	for _, target := range s.Overrides {
		t := getOrCreate(next, target)
		t.data.OverriddenBy = addUnique(t.data.OverriddenBy, id)
	}
	if s.Extends != "" {
		t := getOrCreate(next, s.Extends)
		t.subclassedBy = addUnique(t.subclassedBy, id)
	}
	for _, target := range s.Implements {
		t := getOrCreate(next, target)
		t.implementedBy = addUnique(t.implementedBy, id)
	}
}

// Upsert replaces the node for structure.id and re-establishes symmetric
// inverse edges for calls/overrides/extends/implements. instantiates and
// uses_type targets are validated as classes only when the target is
// already known; forward references are not rejected.
func (g *Graph) Upsert(s ElementStructure) error {
	if err := validateSelfEdges(s); err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	cur := g.load()
	for _, target := range s.Instantiates {
		if t, ok := cur[target]; ok && t.data.Kind != "" && t.data.Kind != store.KindClass {
			return fmt.Errorf("%w: instantiates target %q is kind %q", ErrBadEdgeTarget, target, t.data.Kind)
		}
	}
	for _, target := range s.UsesType {
		if t, ok := cur[target]; ok && t.data.Kind != "" && t.data.Kind != store.KindClass {
			return fmt.Errorf("%w: uses_type target %q is kind %q", ErrBadEdgeTarget, target, t.data.Kind)
		}
	}

	next := cloneSnapshot(cur)

	var carryCalledBy, carryOverriddenBy, carrySubclassedBy, carryImplementedBy []string
	if prev, ok := next[s.ID]; ok {
		detachForwardEdges(next, s.ID, prev.data)
		carryCalledBy = prev.data.CalledBy
		carryOverriddenBy = prev.data.OverriddenBy
		carrySubclassedBy = prev.subclassedBy
		carryImplementedBy = prev.implementedBy
	}

	s.CalledBy = carryCalledBy
	s.OverriddenBy = carryOverriddenBy
	next[s.ID] = &node{data: s, subclassedBy: carrySubclassedBy, implementedBy: carryImplementedBy}

	attachForwardEdges(next, s.ID, s)

	g.snap.Store(&next)
	return nil
}

// Remove removes the node for id and every incident edge, including
// inverses. Forward edges from other nodes via reads_field, writes_field,
// instantiates, or uses_type are not symmetry-tracked (spec §4.4 requires
// inverse symmetry only for calls/overrides/extends/implements) and are
// left dangling by id, matching the rest of the data model's "reference by
// id, never by pointer" convention.
func (g *Graph) Remove(id string) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	cur := g.load()
	n, ok := cur[id]
	if !ok {
		return
	}

	next := cloneSnapshot(cur)
	detachForwardEdges(next, id, n.data)

	for _, caller := range n.data.CalledBy {
		if t, ok := next[caller]; ok {
			t.data.Calls = removeValue(t.data.Calls, id)
		}
	}
	for _, overrider := range n.data.OverriddenBy {
		if t, ok := next[overrider]; ok {
			t.data.Overrides = removeValue(t.data.Overrides, id)
		}
	}
	for _, sub := range n.subclassedBy {
		if t, ok := next[sub]; ok && t.data.Extends == id {
			t.data.Extends = ""
		}
	}
	for _, impl := range n.implementedBy {
		if t, ok := next[impl]; ok {
			t.data.Implements = removeValue(t.data.Implements, id)
		}
	}

	delete(next, id)
	g.snap.Store(&next)
}

// Clear drops every node and edge.
func (g *Graph) Clear() {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	empty := make(snapshot)
	g.snap.Store(&empty)
}

// Get returns a copy of the node for id, and whether it was found.
func (g *Graph) Get(id string) (ElementStructure, bool) {
	n, ok := g.load()[id]
	if !ok {
		return ElementStructure{}, false
	}
	return n.data, true
}

// Count returns the number of nodes currently in the index.
func (g *Graph) Count() int {
	return len(g.load())
}

func edgesFor(n *node, kind EdgeKind) []string {
	switch kind {
	case EdgeCalls:
		return n.data.Calls
	case EdgeCalledBy:
		return n.data.CalledBy
	case EdgeOverrides:
		return n.data.Overrides
	case EdgeOverriddenBy:
		return n.data.OverriddenBy
	case EdgeExtends:
		if n.data.Extends == "" {
			return nil
		}
		return []string{n.data.Extends}
	case EdgeSubclassedBy:
		return n.subclassedBy
	case EdgeImplements:
		return n.data.Implements
	case EdgeImplementedBy:
		return n.implementedBy
	case EdgeReadsField:
		return n.data.ReadsField
	case EdgeWritesField:
		return n.data.WritesField
	case EdgeInstantiates:
		return n.data.Instantiates
	case EdgeUsesType:
		return n.data.UsesType
	default:
		return nil
	}
}

// Neighbors returns every id reachable from id within depth hops, following
// only the given edge kinds. depth <= 0 is treated as 1. The result excludes
// id itself and is sorted for deterministic output; reads never block
// concurrent writers, since they operate against a single immutable
// snapshot captured at call time.
func (g *Graph) Neighbors(id string, kinds []EdgeKind, depth int) []string {
	if depth <= 0 {
		depth = 1
	}
	snap := g.load()

	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var result []string

	for d := 0; d < depth; d++ {
		var next []string
		for _, cur := range frontier {
			n, ok := snap[cur]
			if !ok {
				continue
			}
			for _, k := range kinds {
				for _, nb := range edgesFor(n, k) {
					if _, seen := visited[nb]; seen {
						continue
					}
					visited[nb] = struct{}{}
					result = append(result, nb)
					next = append(next, nb)
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	sort.Strings(result)
	return result
}
