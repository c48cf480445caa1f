// Package domain contains the core models of the install engine: packages, plans, store keys and install records.
package domain

import (
	"container/heap"
	"strings"

	"go.trai.ch/zerr"
)

// Graph is a dependency graph of package names that remembers the order in
// which names were first seen.
type Graph struct {
	index map[string]int
	names []string
	deps  map[string][]string
}

// NewGraph creates a new empty Graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[string]int),
		deps:  make(map[string][]string),
	}
}

// See records name in discovery order if it is new.
func (g *Graph) See(name string) {
	if _, ok := g.index[name]; ok {
		return
	}
	g.index[name] = len(g.names)
	g.names = append(g.names, name)
}

// Add records name with its direct dependencies. Dependencies are marked as
// seen in the order given.
func (g *Graph) Add(name string, deps []string) {
	g.See(name)
	for _, d := range deps {
		g.See(d)
	}
	g.deps[name] = deps
}

// Remove drops name and every edge pointing at it.
func (g *Graph) Remove(name string) {
	delete(g.deps, name)
}

// Has reports whether name is part of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Dependencies returns the direct dependencies of name that are part of the graph.
func (g *Graph) Dependencies(name string) []string {
	var out []string
	for _, d := range g.deps[name] {
		if g.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Dependents returns, for every node, the nodes that depend on it directly.
func (g *Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.deps))
	for _, name := range g.names {
		if !g.Has(name) {
			continue
		}
		for _, d := range g.Dependencies(name) {
			out[d] = append(out[d], name)
		}
	}
	return out
}

// Sort orders the graph so every dependency precedes its dependents. When
// several nodes are ready at once, the one seen first wins.
// If the graph contains cycles, Sort returns the acyclic prefix it could
// order, the names it could not, and an error describing one cycle.
func (g *Graph) Sort() (order, blocked []string, err error) {
	inDegree := make(map[string]int, len(g.deps))
	for name := range g.deps {
		inDegree[name] = len(g.Dependencies(name))
	}
	dependents := g.Dependents()

	ready := &discoveryQueue{index: g.index}
	for _, name := range g.names {
		if g.Has(name) && inDegree[name] == 0 {
			heap.Push(ready, name)
		}
	}

	order = make([]string, 0, len(g.deps))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)
		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) == len(g.deps) {
		return order, nil, nil
	}

	for _, name := range g.names {
		if g.Has(name) && inDegree[name] > 0 {
			blocked = append(blocked, name)
		}
	}
	return order, blocked, g.cycleError(blocked, inDegree)
}

// cycleError walks unresolved nodes until one repeats and reports that loop.
func (g *Graph) cycleError(blocked []string, inDegree map[string]int) error {
	if len(blocked) == 0 {
		return ErrDependencyCycle
	}
	var path []string
	onPath := make(map[string]int)
	current := blocked[0]
	for {
		if start, ok := onPath[current]; ok {
			cycle := append(append([]string{}, path[start:]...), current)
			return zerr.With(zerr.Wrap(ErrDependencyCycle, "packages depend on each other"),
				"cycle", strings.Join(cycle, " -> "))
		}
		onPath[current] = len(path)
		path = append(path, current)

		next := ""
		for _, d := range g.Dependencies(current) {
			if inDegree[d] > 0 {
				next = d
				break
			}
		}
		if next == "" {
			return ErrDependencyCycle
		}
		current = next
	}
}

// discoveryQueue is a min-heap of names ordered by discovery index.
type discoveryQueue struct {
	index map[string]int
	items []string
}

func (q *discoveryQueue) Len() int           { return len(q.items) }
func (q *discoveryQueue) Less(i, j int) bool { return q.index[q.items[i]] < q.index[q.items[j]] }
func (q *discoveryQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *discoveryQueue) Push(x any)         { q.items = append(q.items, x.(string)) }

func (q *discoveryQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}
