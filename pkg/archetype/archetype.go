// Package archetype records, for every module, the exact set of modules it
// depends on. Modules with identical dependency sets share one Archetype, so
// answering "what must reload when X changes" never needs a dependency matrix.
//
// A Graph is not safe for concurrent use; it is owned by one environment and
// mutated under that environment's lock.
package archetype

import (
	"slices"
	"strconv"
	"strings"

	"github.com/chazu/hotload/pkg/module"
)

// Set is a set of module ids.
type Set map[module.ID]struct{}

// Has reports whether id is in the set.
func (s Set) Has(id module.ID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []module.ID {
	out := make([]module.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Archetype is one distinct dependency set.
type Archetype struct {
	deps    []module.ID
	key     string
	members Set
	edges   map[module.ID]*Archetype
}

func newArchetype(deps []module.ID) *Archetype {
	return &Archetype{
		deps:    deps,
		key:     Key(deps),
		members: make(Set),
		edges:   make(map[module.ID]*Archetype),
	}
}

// Deps returns the ascending, deduplicated dependency ids.
func (a *Archetype) Deps() []module.ID { return slices.Clone(a.deps) }

// Key is the canonical key derived from Deps.
func (a *Archetype) Key() string { return a.key }

// Members returns the modules currently in this archetype.
func (a *Archetype) Members() []module.ID { return a.members.Sorted() }

// Len returns the number of members.
func (a *Archetype) Len() int { return len(a.members) }

func (a *Archetype) contains(dep module.ID) bool {
	_, found := slices.BinarySearch(a.deps, dep)
	return found
}

// Key returns the canonical key for a sorted, deduplicated dependency list.
func Key(deps []module.ID) string {
	var b strings.Builder
	for i, d := range deps {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(d)))
	}
	return b.String()
}

// Graph is the set of archetypes of one environment.
type Graph struct {
	root    *Archetype
	byKey   map[string]*Archetype
	modules map[module.ID]*Archetype
	// reverse maps a dependency id to every archetype whose set contains it.
	reverse map[module.ID]map[*Archetype]struct{}
}

// New returns a graph holding only the empty root archetype.
func New() *Graph {
	root := newArchetype(nil)
	return &Graph{
		root:    root,
		byKey:   map[string]*Archetype{root.key: root},
		modules: make(map[module.ID]*Archetype),
		reverse: make(map[module.ID]map[*Archetype]struct{}),
	}
}

// Root returns the empty archetype.
func (g *Graph) Root() *Archetype { return g.root }

// ArchetypeOf returns the archetype id currently belongs to, or the root if
// the module has recorded no dependencies.
func (g *Graph) ArchetypeOf(id module.ID) *Archetype {
	if a, ok := g.modules[id]; ok {
		return a
	}
	return g.root
}

// Len returns the number of archetypes ever created, root included.
func (g *Graph) Len() int { return len(g.byKey) }

// Modules returns the number of modules placed in the graph.
func (g *Graph) Modules() int { return len(g.modules) }

// Add places id in the root archetype if it is not in the graph yet.
func (g *Graph) Add(id module.ID) {
	if _, ok := g.modules[id]; ok {
		return
	}
	g.place(id, g.root)
}

// Contains reports whether id is currently placed in the graph.
func (g *Graph) Contains(id module.ID) bool {
	_, ok := g.modules[id]
	return ok
}

// AddEdge records that id depends on dep. Self-edges and edges already
// present are no-ops. The final archetype does not depend on the order in
// which edges are added.
func (g *Graph) AddEdge(id, dep module.ID) {
	if id == dep {
		return
	}
	from := g.ArchetypeOf(id)
	if from.contains(dep) {
		g.place(id, from)
		return
	}

	to, ok := from.edges[dep]
	if !ok {
		deps := make([]module.ID, 0, len(from.deps)+1)
		deps = append(deps, from.deps...)
		deps = append(deps, dep)
		slices.Sort(deps)
		deps = slices.Compact(deps)

		key := Key(deps)
		to, ok = g.byKey[key]
		if !ok {
			to = newArchetype(deps)
			g.byKey[key] = to
			for _, d := range deps {
				g.index(d, to)
			}
		}
		from.edges[dep] = to
	}

	g.place(id, to)
}

func (g *Graph) place(id module.ID, a *Archetype) {
	if old, ok := g.modules[id]; ok {
		if old == a {
			return
		}
		delete(old.members, id)
	}
	a.members[id] = struct{}{}
	g.modules[id] = a
}

func (g *Graph) index(dep module.ID, a *Archetype) {
	set, ok := g.reverse[dep]
	if !ok {
		set = make(map[*Archetype]struct{})
		g.reverse[dep] = set
	}
	set[a] = struct{}{}
}

// Detach removes id and, transitively, every module whose dependency set
// includes a removed module. It returns the full closure, id included.
func (g *Graph) Detach(id module.ID) Set {
	visited := make(Set)
	g.detach(id, visited)
	return visited
}

// DetachAll detaches every id into one accumulated closure.
func (g *Graph) DetachAll(ids []module.ID) Set {
	visited := make(Set)
	for _, id := range ids {
		g.detach(id, visited)
	}
	return visited
}

func (g *Graph) detach(id module.ID, visited Set) {
	if visited.Has(id) {
		return
	}
	visited[id] = struct{}{}

	if a, ok := g.modules[id]; ok {
		delete(a.members, id)
		delete(g.modules, id)
	}

	for a := range g.reverse[id] {
		for _, member := range a.Members() {
			g.detach(member, visited)
		}
	}
}

// Dependents returns the modules whose current dependency set contains id.
func (g *Graph) Dependents(id module.ID) []module.ID {
	out := make(Set)
	for a := range g.reverse[id] {
		for m := range a.members {
			out[m] = struct{}{}
		}
	}
	return out.Sorted()
}
