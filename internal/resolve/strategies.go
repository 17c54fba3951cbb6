package resolve

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/facebookgo/clock"

	"github.com/semverx/registry/internal/depgraph"
)

// checkEulerian counts nodes with odd total degree over required edges,
// treating the graph as undirected for parity. O(E).
func checkEulerian(g *depgraph.Graph) (*Result, error) {
	degree := make(map[string]int, g.Len())
	for _, key := range g.Keys() {
		for _, e := range g.Node(key).Out {
			if e.Optional {
				continue
			}
			degree[key]++
			degree[e.To]++
		}
	}

	odd := 0
	for _, key := range g.Keys() {
		if degree[key]%2 != 0 {
			odd++
		}
	}

	res := &Result{Strategy: Eulerian}
	switch {
	case odd == 0:
		res.Connectivity = Connected
		res.FaultLevel = faultClean
	case odd == 2:
		res.Connectivity = SemiConnected
		res.FaultLevel = faultSemiEulerian
	default:
		res.Connectivity = Disconnected
		res.FaultLevel = faultDisconnected
	}
	for _, key := range g.Keys() {
		res.Records = append(res.Records, g.Node(key).Rec)
	}
	return res, nil
}

// findHamiltonianPath searches depth-first for a walk visiting every node
// exactly once, over required edges. The wall-clock budget is mandatory and
// checked at every expansion step, and the context cancels the search through
// the same mechanism.
func findHamiltonianPath(ctx context.Context, g *depgraph.Graph, p Params) (*Result, error) {
	clk := p.clock()
	deadline := clk.Now().Add(p.budget())

	keys := g.Keys()
	search := &hamSearch{
		g:        g,
		clk:      clk,
		deadline: deadline,
		ctx:      ctx,
		visited:  make(map[string]bool, len(keys)),
		want:     len(keys),
	}

	// Starting from the root first keeps results stable; fall back to every
	// other start in insertion order.
	starts := append([]string{g.Root()}, keys...)
	seen := make(map[string]bool, len(starts))
	for _, start := range starts {
		if seen[start] {
			continue
		}
		seen[start] = true

		search.path = search.path[:0]
		clear(search.visited)
		found, err := search.dfs(start)
		if err != nil {
			return nil, err
		}
		if found {
			res := &Result{Strategy: Hamiltonian, Path: append([]string{}, search.path...)}
			for _, key := range search.path {
				res.Records = append(res.Records, g.Node(key).Rec)
			}
			res.Cost = uint(len(search.path) - 1)
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: no walk visits all %d nodes", ErrNoSafePath, len(keys))
}

type hamSearch struct {
	g        *depgraph.Graph
	clk      clock.Clock
	deadline time.Time
	ctx      context.Context
	visited  map[string]bool
	path     []string
	want     int
}

func (s *hamSearch) dfs(key string) (bool, error) {
	if s.clk.Now().After(s.deadline) {
		return false, fmt.Errorf("%w after visiting %d of %d nodes", ErrTimeBudget, len(s.path), s.want)
	}
	if err := s.ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTimeBudget, err)
	}

	s.visited[key] = true
	s.path = append(s.path, key)

	if len(s.path) == s.want {
		return true, nil
	}

	for _, next := range s.g.Neighbors(key, false) {
		if s.visited[next] {
			continue
		}
		found, err := s.dfs(next)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}

	s.visited[key] = false
	s.path = s.path[:len(s.path)-1]
	return false, nil
}

// astar runs A* from the graph root toward the target with unit hop cost.
// All edges, optional included, are traversable. Ties on f = g + h break on
// insertion order so repeated runs yield identical paths.
func astar(g *depgraph.Graph, p Params) (*Result, error) {
	if p.Target == nil {
		return nil, fmt.Errorf("%w: astar requires a target", ErrNoSafePath)
	}
	goalKey := p.Target.Key()
	goal := g.Node(goalKey)
	if goal == nil {
		return nil, fmt.Errorf("%w: target %s not in graph", ErrNoSafePath, goalKey)
	}
	h := p.heuristic()

	open := &openSet{}
	heap.Init(open)
	start := g.Root()
	heap.Push(open, &openNode{
		key:  start,
		g:    0,
		f:    h(g.Node(start).Rec, p.Target),
		path: []string{start},
	})

	bestG := map[string]uint{start: 0}

	for open.Len() > 0 {
		cur := heap.Pop(open).(*openNode)

		if cur.key == goalKey {
			res := &Result{
				Strategy: AStar,
				Path:     cur.path,
				Cost:     cur.g,
			}
			for _, key := range cur.path {
				res.Records = append(res.Records, g.Node(key).Rec)
			}
			return res, nil
		}

		// A stale entry: a cheaper route to this node was already expanded.
		if best, ok := bestG[cur.key]; ok && cur.g > best {
			continue
		}

		for _, next := range g.Neighbors(cur.key, true) {
			tentative := cur.g + 1
			if best, ok := bestG[next]; ok && tentative >= best {
				continue
			}
			bestG[next] = tentative

			path := make([]string, len(cur.path)+1)
			copy(path, cur.path)
			path[len(cur.path)] = next

			heap.Push(open, &openNode{
				key:  next,
				g:    tentative,
				f:    tentative + h(g.Node(next).Rec, p.Target),
				path: path,
			})
		}
	}
	return nil, fmt.Errorf("%w: %s unreachable from %s", ErrNoSafePath, goalKey, start)
}

// openNode is one frontier entry in the A* priority queue.
type openNode struct {
	key  string
	g    uint
	f    uint
	seq  uint64
	path []string
}

// openSet is a min-heap on (f, insertion order).
type openSet struct {
	items []*openNode
	seq   uint64
}

func (s *openSet) Len() int { return len(s.items) }

func (s *openSet) Less(i, j int) bool {
	if s.items[i].f != s.items[j].f {
		return s.items[i].f < s.items[j].f
	}
	return s.items[i].seq < s.items[j].seq
}

func (s *openSet) Swap(i, j int) { s.items[i], s.items[j] = s.items[j], s.items[i] }

func (s *openSet) Push(x any) {
	n := x.(*openNode)
	n.seq = s.seq
	s.seq++
	s.items = append(s.items, n)
}

func (s *openSet) Pop() any {
	old := s.items
	n := old[len(old)-1]
	old[len(old)-1] = nil
	s.items = old[:len(old)-1]
	return n
}

// hybrid runs the strategies cheapest first: the O(E) parity check, then A*
// when a target is known, then the budgeted Hamiltonian search. The first
// success wins; a Hamiltonian budget blowout inside hybrid degrades to
// ErrNoSafePath since the other strategies already failed.
func hybrid(ctx context.Context, g *depgraph.Graph, p Params) (*Result, error) {
	euler, err := checkEulerian(g)
	if err != nil {
		return nil, err
	}

	if euler.Connectivity == Connected && p.Target != nil {
		if res, err := astar(g, p); err == nil {
			res.Strategy = Hybrid
			res.Connectivity = euler.Connectivity
			return res, nil
		}
	}

	res, err := findHamiltonianPath(ctx, g, p)
	if err != nil {
		return nil, fmt.Errorf("%w: all strategies exhausted (%v)", ErrNoSafePath, err)
	}
	res.Strategy = Hybrid
	res.Connectivity = euler.Connectivity
	res.FaultLevel = euler.FaultLevel
	return res, nil
}
