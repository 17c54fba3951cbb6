package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/semverx/registry/internal/core"
	"github.com/semverx/registry/internal/depgraph"
	"github.com/semverx/registry/internal/index"
	"github.com/semverx/registry/internal/semver"
)

func rec(id, version string, deps ...core.DependencyEdge) *core.Record {
	return &core.Record{
		PackageID:    id,
		Version:      semver.MustParse(version),
		Dependencies: deps,
	}
}

func dep(id, rng string) core.DependencyEdge {
	return core.DependencyEdge{DependencyID: id, Range: semver.MustParseRange(rng)}
}

func buildGraph(t *testing.T, root *core.Record, rest ...*core.Record) *depgraph.Graph {
	t.Helper()
	ix := index.New()
	for _, r := range append([]*core.Record{root}, rest...) {
		if err := ix.Insert(r); err != nil {
			t.Fatalf("seeding index: %v", err)
		}
	}
	g, err := depgraph.Build(ix, root)
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}
	return g
}

const v1 = "1.stable.0.stable.0.stable"

// diamond builds a -> {b, c} -> d, every node with even required degree.
func diamond(t *testing.T) (*depgraph.Graph, *core.Record) {
	t.Helper()
	d := rec("d", v1)
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*"), dep("c", "*.*.*.*.*.*")),
		rec("b", v1, dep("d", "*.*.*.*.*.*")),
		rec("c", v1, dep("d", "*.*.*.*.*.*")),
		d,
	)
	return g, d
}

func TestEmptyGraph(t *testing.T) {
	for _, s := range []Strategy{Eulerian, Hamiltonian, AStar, Hybrid} {
		if _, err := Resolve(context.Background(), nil, s, Params{}); !errors.Is(err, ErrEmptyGraph) {
			t.Errorf("Resolve(nil, %s) = %v, want ErrEmptyGraph", s, err)
		}
	}
}

func TestEulerianConnected(t *testing.T) {
	g, _ := diamond(t)
	res, err := Resolve(context.Background(), g, Eulerian, Params{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Connectivity != Connected {
		t.Errorf("Connectivity = %s, want connected", res.Connectivity)
	}
	if res.FaultLevel != 0 {
		t.Errorf("FaultLevel = %d, want 0", res.FaultLevel)
	}
	if len(res.Records) != 4 {
		t.Errorf("plan has %d records, want the full closure of 4", len(res.Records))
	}
}

func TestEulerianTwoOddDegrees(t *testing.T) {
	// Chain a -> b -> c: endpoints have odd degree.
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*")),
		rec("b", v1, dep("c", "*.*.*.*.*.*")),
		rec("c", v1),
	)
	res, err := Resolve(context.Background(), g, Eulerian, Params{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Connectivity != SemiConnected {
		t.Errorf("Connectivity = %s, want warning", res.Connectivity)
	}
}

func TestEulerianFourOddDegrees(t *testing.T) {
	// Star a -> {b, c, d}: four odd-degree nodes.
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*"), dep("c", "*.*.*.*.*.*"), dep("d", "*.*.*.*.*.*")),
		rec("b", v1), rec("c", v1), rec("d", v1),
	)
	res, err := Resolve(context.Background(), g, Eulerian, Params{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Connectivity != Disconnected {
		t.Errorf("Connectivity = %s, want disconnected", res.Connectivity)
	}
	if res.FaultLevel < 6 {
		t.Errorf("FaultLevel = %d, want Danger band (>= 6)", res.FaultLevel)
	}
}

func TestHamiltonianFindsPath(t *testing.T) {
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*")),
		rec("b", v1, dep("c", "*.*.*.*.*.*")),
		rec("c", v1),
	)
	res, err := Resolve(context.Background(), g, Hamiltonian, Params{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"a@" + v1, "b@" + v1, "c@" + v1}
	if diff := cmp.Diff(want, res.Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestHamiltonianNoPath(t *testing.T) {
	// Star a -> {b, c}: no single walk visits all nodes once.
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*"), dep("c", "*.*.*.*.*.*")),
		rec("b", v1), rec("c", v1),
	)
	_, err := Resolve(context.Background(), g, Hamiltonian, Params{})
	if !errors.Is(err, ErrNoSafePath) {
		t.Errorf("Resolve = %v, want ErrNoSafePath", err)
	}
	if errors.Is(err, ErrTimeBudget) {
		t.Error("exhausted search must not report a budget blowout")
	}
}

// steppingClock advances a fixed amount on every Now call, making deadline
// expiry deterministic regardless of host speed.
type steppingClock struct {
	clock.Clock
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newSteppingClock(step time.Duration) *steppingClock {
	return &steppingClock{
		Clock: clock.New(),
		now:   time.Unix(0, 0),
		step:  step,
	}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestHamiltonianTimeBudget(t *testing.T) {
	// A star wide enough that the search cannot finish within a budget that
	// the stepping clock burns through in a handful of expansions.
	deps := make([]core.DependencyEdge, 0, 12)
	rest := make([]*core.Record, 0, 12)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("leaf%02d", i)
		deps = append(deps, dep(id, "*.*.*.*.*.*"))
		rest = append(rest, rec(id, v1))
	}
	g := buildGraph(t, rec("a", v1, deps...), rest...)

	p := Params{
		Budget: 5 * time.Millisecond,
		Clock:  newSteppingClock(time.Millisecond),
	}
	_, err := Resolve(context.Background(), g, Hamiltonian, p)
	if !errors.Is(err, ErrTimeBudget) {
		t.Errorf("Resolve = %v, want ErrTimeBudget", err)
	}
}

func TestHamiltonianCancellation(t *testing.T) {
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*")),
		rec("b", v1),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Resolve(ctx, g, Hamiltonian, Params{}); !errors.Is(err, ErrTimeBudget) {
		t.Errorf("Resolve with cancelled context = %v, want ErrTimeBudget", err)
	}
}

func TestAStarShortestPath(t *testing.T) {
	g, target := diamond(t)
	res, err := Resolve(context.Background(), g, AStar, Params{Target: target})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"a@" + v1, "b@" + v1, "d@" + v1}
	if diff := cmp.Diff(want, res.Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	if res.Cost != 2 {
		t.Errorf("Cost = %d, want 2", res.Cost)
	}
}

func TestAStarDeterministic(t *testing.T) {
	g, target := diamond(t)

	first, err := Resolve(context.Background(), g, AStar, Params{Target: target})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := Resolve(context.Background(), g, AStar, Params{Target: target})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if diff := cmp.Diff(first.Path, second.Path); diff != "" {
		t.Errorf("runs disagree (-first +second):\n%s", diff)
	}
}

func TestAStarVersionDistanceHeuristic(t *testing.T) {
	g, target := diamond(t)
	res, err := Resolve(context.Background(), g, AStar, Params{
		Target:    target,
		Heuristic: HeuristicVersionDistance,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Cost != 2 {
		t.Errorf("Cost = %d, want 2", res.Cost)
	}
}

func TestAStarUnreachableTarget(t *testing.T) {
	g := buildGraph(t, rec("a", v1))
	_, err := Resolve(context.Background(), g, AStar, Params{Target: rec("ghost", v1)})
	if !errors.Is(err, ErrNoSafePath) {
		t.Errorf("Resolve = %v, want ErrNoSafePath", err)
	}
}

func TestHybridUsesAStarWhenConnected(t *testing.T) {
	g, target := diamond(t)
	res, err := Resolve(context.Background(), g, Hybrid, Params{Target: target})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Strategy != Hybrid {
		t.Errorf("Strategy = %s, want hybrid", res.Strategy)
	}
	if res.Connectivity != Connected {
		t.Errorf("Connectivity = %s, want connected", res.Connectivity)
	}
	want := []string{"a@" + v1, "b@" + v1, "d@" + v1}
	if diff := cmp.Diff(want, res.Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestHybridFallsBackToHamiltonian(t *testing.T) {
	// A chain is semi-Eulerian, so hybrid skips A* and the Hamiltonian
	// search produces the plan.
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*")),
		rec("b", v1),
	)
	res, err := Resolve(context.Background(), g, Hybrid, Params{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(res.Records) != 2 {
		t.Errorf("plan has %d records, want 2", len(res.Records))
	}
}

func TestHybridAllStrategiesFail(t *testing.T) {
	g := buildGraph(t,
		rec("a", v1, dep("b", "*.*.*.*.*.*"), dep("c", "*.*.*.*.*.*")),
		rec("b", v1), rec("c", v1),
	)
	_, err := Resolve(context.Background(), g, Hybrid, Params{})
	if !errors.Is(err, ErrNoSafePath) {
		t.Errorf("Resolve = %v, want ErrNoSafePath", err)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		text string
		want Strategy
	}{
		{"eulerian", Eulerian},
		{"hamiltonian", Hamiltonian},
		{"astar", AStar},
		{"hybrid", Hybrid},
		{"", Hybrid},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.text)
		if err != nil {
			t.Errorf("ParseStrategy(%q) failed: %v", tt.text, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}

	if _, err := ParseStrategy("dijkstra"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("ParseStrategy(dijkstra) = %v, want ErrUnknownStrategy", err)
	}
}
