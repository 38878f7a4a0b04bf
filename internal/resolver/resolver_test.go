package resolver

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/internal/catalog"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

func def(id string, p types.Priority, deps ...string) *types.GraphDefinition {
	return &types.GraphDefinition{
		ID:           id,
		Name:         id,
		Category:     types.CategoryPlanning,
		Priority:     p,
		Dependencies: deps,
	}
}

func mustCatalog(t *testing.T, defs ...*types.GraphDefinition) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(defs)
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	return c
}

// assertDepsFirst checks that every in-set dependency precedes its dependent.
func assertDepsFirst(t *testing.T, c *catalog.Catalog, order []string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range order {
		g, _ := c.Get(id)
		for _, dep := range g.Dependencies {
			if p, ok := pos[dep]; ok && p >= pos[id] {
				t.Errorf("%s appears at %d but its dependency %s is at %d", id, pos[id], dep, p)
			}
		}
	}
}

func TestComputeExecutionOrder(t *testing.T) {
	t.Run("default catalog respects dependencies", func(t *testing.T) {
		c := mustCatalog(t, catalog.DefaultGraphs()...)
		order, err := ComputeExecutionOrder(c, c.IDs())
		if err != nil {
			t.Fatalf("ComputeExecutionOrder failed: %v", err)
		}
		if len(order) != c.Len() {
			t.Fatalf("expected %d ids, got %v", c.Len(), order)
		}
		assertDepsFirst(t, c, order)
	})

	t.Run("ties break on priority then id", func(t *testing.T) {
		c := mustCatalog(t,
			def("root", types.PriorityLow),
			def("b-low", types.PriorityLow, "root"),
			def("a-low", types.PriorityLow, "root"),
			def("z-critical", types.PriorityCritical, "root"),
			def("m-high", types.PriorityHigh),
		)
		order, err := ComputeExecutionOrder(c, []string{"b-low", "a-low", "z-critical", "root", "m-high"})
		if err != nil {
			t.Fatalf("ComputeExecutionOrder failed: %v", err)
		}
		want := []string{"m-high", "root", "z-critical", "a-low", "b-low"}
		if !slices.Equal(order, want) {
			t.Errorf("order = %v, want %v", order, want)
		}
	})

	t.Run("deterministic across calls and input order", func(t *testing.T) {
		c := mustCatalog(t, catalog.DefaultGraphs()...)
		ids := c.IDs()
		first, err := ComputeExecutionOrder(c, ids)
		if err != nil {
			t.Fatal(err)
		}
		reversed := slices.Clone(ids)
		slices.Reverse(reversed)
		for i := 0; i < 20; i++ {
			in := ids
			if i%2 == 1 {
				in = reversed
			}
			got, err := ComputeExecutionOrder(c, in)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, first) {
				t.Fatalf("call %d returned %v, first call returned %v", i, got, first)
			}
		}
	})

	t.Run("dependencies outside the subset are ignored", func(t *testing.T) {
		c := mustCatalog(t,
			def("a", types.PriorityMedium),
			def("b", types.PriorityMedium, "a"),
			def("c", types.PriorityCritical, "b"),
		)
		order, err := ComputeExecutionOrder(c, []string{"c", "a"})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(order, []string{"c", "a"}) {
			t.Errorf("order = %v", order)
		}
	})

	t.Run("duplicate ids collapse", func(t *testing.T) {
		c := mustCatalog(t, def("a", types.PriorityMedium), def("b", types.PriorityMedium, "a"))
		order, err := ComputeExecutionOrder(c, []string{"b", "a", "b"})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(order, []string{"a", "b"}) {
			t.Errorf("order = %v", order)
		}
	})

	t.Run("empty set", func(t *testing.T) {
		c := mustCatalog(t, def("a", types.PriorityMedium))
		order, err := ComputeExecutionOrder(c, nil)
		if err != nil || len(order) != 0 {
			t.Errorf("got %v, %v", order, err)
		}
	})

	t.Run("two node cycle", func(t *testing.T) {
		c := mustCatalog(t, def("a", types.PriorityMedium, "b"), def("b", types.PriorityMedium, "a"))
		order, err := ComputeExecutionOrder(c, []string{"a", "b"})
		if order != nil {
			t.Errorf("expected no partial order, got %v", order)
		}
		var cycleErr *types.CyclicDependencyError
		if !errors.As(err, &cycleErr) {
			t.Fatalf("expected CyclicDependencyError, got %v", err)
		}
		if !errors.Is(err, types.ErrCycle) {
			t.Error("error should match ErrCycle")
		}
		if !slices.Equal(cycleErr.Cycle, []string{"a", "b", "a"}) {
			t.Errorf("Cycle = %v", cycleErr.Cycle)
		}
	})

	t.Run("cycle behind an acyclic prefix", func(t *testing.T) {
		c := mustCatalog(t,
			def("start", types.PriorityHigh),
			def("x", types.PriorityMedium, "start", "z"),
			def("y", types.PriorityMedium, "x"),
			def("z", types.PriorityMedium, "y"),
			def("tail", types.PriorityLow, "z"),
		)
		_, err := ComputeExecutionOrder(c, c.IDs())
		var cycleErr *types.CyclicDependencyError
		if !errors.As(err, &cycleErr) {
			t.Fatalf("expected CyclicDependencyError, got %v", err)
		}
		cyc := cycleErr.Cycle
		if len(cyc) != 4 || cyc[0] != cyc[len(cyc)-1] {
			t.Errorf("Cycle = %v, want a closed 3-cycle", cyc)
		}
		for _, id := range cyc {
			if id == "start" || id == "tail" {
				t.Errorf("Cycle %v should not include %s", cyc, id)
			}
		}
	})

	t.Run("self dependency", func(t *testing.T) {
		c := mustCatalog(t, def("loop", types.PriorityMedium, "loop"))
		_, err := ComputeExecutionOrder(c, []string{"loop"})
		var cycleErr *types.CyclicDependencyError
		if !errors.As(err, &cycleErr) || !slices.Equal(cycleErr.Cycle, []string{"loop", "loop"}) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("unknown ids are all reported", func(t *testing.T) {
		c := mustCatalog(t, def("a", types.PriorityMedium))
		_, err := ComputeExecutionOrder(c, []string{"x", "a", "y"})
		var unknown *types.UnknownGraphError
		if !errors.As(err, &unknown) {
			t.Fatalf("expected UnknownGraphError, got %v", err)
		}
		if !slices.Equal(unknown.IDs, []string{"x", "y"}) {
			t.Errorf("IDs = %v", unknown.IDs)
		}
	})
}

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"5-10 minutes", 10 * time.Minute, true},
		{"5 minutes", 5 * time.Minute, true},
		{"3 to 5 hrs", 5 * time.Hour, true},
		{"45 sec", 45 * time.Second, true},
		{"30s", 30 * time.Second, true},
		{"1h30m", 90 * time.Minute, true},
		{"1.5 hours", 90 * time.Minute, true},
		{"", 0, false},
		{"a while", 0, false},
		{"5 fortnights", 0, false},
		{"99999999999 days", maxEstimate, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseEstimate(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseEstimate(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestEstimateTotalDuration(t *testing.T) {
	defs := []*types.GraphDefinition{
		{ID: "a", EstimatedDuration: "5-10 minutes"},
		{ID: "b", EstimatedDuration: "1 hour"},
		{ID: "c", EstimatedDuration: "unknown"},
		{ID: "d", EstimatedDuration: "15-30s"},
	}
	if got := EstimateTotalDuration(defs); got != "1h 10m 30s" {
		t.Errorf("EstimateTotalDuration = %q", got)
	}
	huge := []*types.GraphDefinition{
		{ID: "a", EstimatedDuration: "99999999999 days"},
		{ID: "b", EstimatedDuration: "200000 days"},
		{ID: "c", EstimatedDuration: "5 minutes"},
	}
	if got, want := EstimateTotalDuration(huge), FormatEstimate(maxEstimate); got != want {
		t.Errorf("saturated estimate = %q, want %q", got, want)
	}
	if got := EstimateTotalDuration(nil); got != "" {
		t.Errorf("empty estimate = %q", got)
	}
}
