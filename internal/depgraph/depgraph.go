// Package depgraph builds the per-resolution dependency graph: package-version
// records reachable from a root through dependency-edge expansion against the
// index. A graph is private to the resolution call that built it and is
// discarded when the call returns, so it needs no locking.
package depgraph

import (
	"errors"
	"fmt"

	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/index"
)

// ErrCyclicDependency is returned when required (non-optional) edges form a
// cycle. Cycles through optional edges are tolerated; they are simply
// excluded from Eulerian and Hamiltonian analysis.
var ErrCyclicDependency = errors.New("cyclic required dependency")

// Edge is a concrete dependency between two graph nodes.
type Edge struct {
	To       string
	Optional bool
}

// Node is one package-version record plus its outgoing concrete edges.
type Node struct {
	Rec *core.Record
	Out []Edge
}

// Graph is a directed graph of package-version nodes keyed by "id@version".
// Node iteration follows insertion order so traversals are deterministic.
type Graph struct {
	nodes map[string]*Node
	keys  []string
	root  string
}

// Build expands the dependency closure of root against the index. Each
// dependency edge is resolved through a range query into the concrete
// matching versions; a required edge whose range matches nothing leaves the
// dependency unreachable, which the resolver surfaces as an unsafe plan.
func Build(ix *index.Index, root *core.Record) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*Node),
		root:  root.Key(),
	}

	queue := []*core.Record{root}
	g.add(root)

	for len(queue) > 0 {
		rec := queue[0]
		queue = queue[1:]
		from := g.nodes[rec.Key()]

		for _, dep := range rec.Dependencies {
			for _, target := range ix.FindRange(dep.DependencyID, dep.Range) {
				key := target.Key()
				if _, seen := g.nodes[key]; !seen {
					g.add(target)
					queue = append(queue, target)
				}
				from.Out = append(from.Out, Edge{To: key, Optional: dep.Optional})
			}
		}
	}

	if cycle := g.findRequiredCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclicDependency, cycle)
	}
	return g, nil
}

func (g *Graph) add(rec *core.Record) {
	key := rec.Key()
	g.nodes[key] = &Node{Rec: rec}
	g.keys = append(g.keys, key)
}

// Root returns the key of the record the graph was built from.
func (g *Graph) Root() string { return g.root }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Keys returns node keys in insertion order.
func (g *Graph) Keys() []string {
	out := make([]string, len(g.keys))
	copy(out, g.keys)
	return out
}

// Node returns the node for key, or nil.
func (g *Graph) Node(key string) *Node { return g.nodes[key] }

// Neighbors returns the keys reachable from key in one hop, in edge
// insertion order. Optional edges are skipped unless includeOptional is set.
func (g *Graph) Neighbors(key string, includeOptional bool) []string {
	n := g.nodes[key]
	if n == nil {
		return nil
	}
	var out []string
	for _, e := range n.Out {
		if e.Optional && !includeOptional {
			continue
		}
		out = append(out, e.To)
	}
	return out
}

// Degree returns the total (in + out) degree of key over required edges,
// the undirected parity count the Eulerian check needs.
func (g *Graph) Degree(key string) int {
	d := 0
	for _, k := range g.keys {
		for _, e := range g.nodes[k].Out {
			if e.Optional {
				continue
			}
			if k == key {
				d++
			}
			if e.To == key {
				d++
			}
		}
	}
	return d
}

// RequiredEdgeCount returns the number of non-optional edges.
func (g *Graph) RequiredEdgeCount() int {
	c := 0
	for _, k := range g.keys {
		for _, e := range g.nodes[k].Out {
			if !e.Optional {
				c++
			}
		}
	}
	return c
}

// Subgraph extracts the nodes named by keys and every edge whose endpoints
// both survive. The root is preserved when included, otherwise the first
// extracted key becomes the root.
func (g *Graph) Subgraph(keys []string) *Graph {
	sub := &Graph{nodes: make(map[string]*Node)}
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		keep[k] = true
	}

	for _, k := range g.keys {
		if !keep[k] {
			continue
		}
		n := g.nodes[k]
		copied := &Node{Rec: n.Rec}
		for _, e := range n.Out {
			if keep[e.To] {
				copied.Out = append(copied.Out, e)
			}
		}
		sub.nodes[k] = copied
		sub.keys = append(sub.keys, k)
	}

	if keep[g.root] {
		sub.root = g.root
	} else if len(sub.keys) > 0 {
		sub.root = sub.keys[0]
	}
	return sub
}

// findRequiredCycle runs a three-color DFS over required edges and returns
// one offending cycle, or nil.
func (g *Graph) findRequiredCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(key string) bool
	visit = func(key string) bool {
		color[key] = gray
		stack = append(stack, key)
		for _, e := range g.nodes[key].Out {
			if e.Optional {
				continue
			}
			switch color[e.To] {
			case white:
				if visit(e.To) {
					return true
				}
			case gray:
				// Slice off the part of the stack inside the cycle.
				for i, k := range stack {
					if k == e.To {
						cycle = append(append([]string{}, stack[i:]...), e.To)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[key] = black
		return false
	}

	for _, k := range g.keys {
		if color[k] == white && visit(k) {
			return cycle
		}
	}
	return nil
}
