// Package resolve implements the dependency-graph resolution strategies:
// Eulerian connectivity checking, Hamiltonian path search under a mandatory
// time budget, A* optimal-path search, and a hybrid combinator that runs the
// cheapest strategy first and the exponential one last.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"

	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/depgraph"
	"github.com/semverx/registry/internal/semver"
)

var (
	// ErrEmptyGraph is returned when the graph has no nodes.
	ErrEmptyGraph = errors.New("empty dependency graph")
	// ErrNoSafePath is returned when no strategy can reach the goal.
	ErrNoSafePath = errors.New("no safe path")
	// ErrTimeBudget is returned when the Hamiltonian search exhausts its
	// wall-clock budget. Distinct from ErrNoSafePath: the search proved
	// nothing, it simply ran out of time.
	ErrTimeBudget = errors.New("time budget exceeded")
	// ErrUnknownStrategy is returned for strategy text outside the closed set.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// Strategy is the closed set of resolution strategies.
type Strategy int

const (
	Eulerian Strategy = iota
	Hamiltonian
	AStar
	Hybrid
)

func (s Strategy) String() string {
	switch s {
	case Eulerian:
		return "eulerian"
	case Hamiltonian:
		return "hamiltonian"
	case AStar:
		return "astar"
	case Hybrid:
		return "hybrid"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps strategy text to its variant.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "eulerian":
		return Eulerian, nil
	case "hamiltonian":
		return Hamiltonian, nil
	case "astar":
		return AStar, nil
	case "hybrid", "":
		return Hybrid, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Connectivity is the outcome of the Eulerian parity check.
type Connectivity int

const (
	// Connected: every node has even required degree; a hot-swap pairs
	// every dependency edge cleanly.
	Connected Connectivity = iota
	// SemiConnected: exactly two odd-degree nodes; a swap may partially
	// break, human review advised.
	SemiConnected
	// Disconnected: more than two odd-degree nodes; mapped to a fault
	// level in the Danger band or above.
	Disconnected
)

func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	case SemiConnected:
		return "warning"
	default:
		return "disconnected"
	}
}

// Fault levels the resolver suggests for its outcomes. The fault engine owns
// the band semantics; these values just land in the intended bands.
const (
	faultClean        = 0
	faultSemiEulerian = 3 // Warning band
	faultDisconnected = 8 // Danger band
)

// DefaultHamiltonianBudget bounds the exponential search when the caller
// does not supply a budget.
const DefaultHamiltonianBudget = 500 * time.Millisecond

// Heuristic estimates remaining cost from a node to the goal for A*.
type Heuristic func(current, goal *core.Record) uint

// HeuristicZero always estimates zero, degrading A* to Dijkstra. It is the
// default: trivially admissible under unit hop cost.
func HeuristicZero(current, goal *core.Record) uint { return 0 }

// HeuristicVersionDistance is the weighted SemVerX distance
// (100/10/1 per major/minor/patch step) plus the node's channel costs.
// Not admissible under unit hop cost in general; callers opt in when their
// edge set has been verified.
func HeuristicVersionDistance(current, goal *core.Record) uint {
	return semver.Distance(current.Version, goal.Version) +
		current.Version.MajorChannel.Cost() +
		current.Version.MinorChannel.Cost() +
		current.Version.PatchChannel.Cost()
}

// Params tunes a resolution call.
type Params struct {
	// Target is the goal record for path-seeking strategies. May be nil
	// for Eulerian, Hamiltonian and Hybrid.
	Target *core.Record
	// Budget bounds the Hamiltonian search; DefaultHamiltonianBudget when zero.
	Budget time.Duration
	// Heuristic for A*; HeuristicZero when nil.
	Heuristic Heuristic
	// Clock for deadline checks; the wall clock when nil.
	Clock clock.Clock
}

func (p Params) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.New()
}

func (p Params) budget() time.Duration {
	if p.Budget > 0 {
		return p.Budget
	}
	return DefaultHamiltonianBudget
}

func (p Params) heuristic() Heuristic {
	if p.Heuristic != nil {
		return p.Heuristic
	}
	return HeuristicZero
}

// Result is a successful resolution outcome.
type Result struct {
	Strategy     Strategy
	Connectivity Connectivity
	// Path holds node keys in visit order for path-seeking strategies.
	Path []string
	// Records are the plan's package-version records: the path's records,
	// or the full closure for a bare Eulerian check.
	Records []*core.Record
	// Cost is the accumulated hop cost for A*.
	Cost uint
	// FaultLevel is the fault level the outcome suggests.
	FaultLevel int
}

// Resolve dispatches to one strategy over the closed variant set.
func Resolve(ctx context.Context, g *depgraph.Graph, s Strategy, p Params) (*Result, error) {
	if g == nil || g.Len() == 0 {
		return nil, ErrEmptyGraph
	}

	switch s {
	case Eulerian:
		return checkEulerian(g)
	case Hamiltonian:
		return findHamiltonianPath(ctx, g, p)
	case AStar:
		return astar(g, p)
	case Hybrid:
		return hybrid(ctx, g, p)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
}
