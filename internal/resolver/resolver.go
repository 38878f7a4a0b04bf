// Package resolver computes dependency-respecting execution orders over a
// subset of the graph catalog.
package resolver

import (
	"slices"
	"strings"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Lookup resolves a graph id to its definition. *catalog.Catalog satisfies it.
type Lookup interface {
	Lookup(id string) (*types.GraphDefinition, bool)
}

// ComputeExecutionOrder returns ids in an order where every in-set dependency
// of a graph precedes it. Among graphs that are ready at the same time, higher
// priority runs first and ties break on id, so the result depends only on the
// input set. Dependencies outside ids are treated as satisfied.
//
// It fails with *types.UnknownGraphError listing every id absent from graphs,
// or *types.CyclicDependencyError when no order exists. It never returns a
// partial order.
func ComputeExecutionOrder(graphs Lookup, ids []string) ([]string, error) {
	defs := make(map[string]*types.GraphDefinition, len(ids))
	var missing []string
	for _, id := range ids {
		if _, seen := defs[id]; seen || slices.Contains(missing, id) {
			continue
		}
		def, ok := graphs.Lookup(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		defs[id] = def
	}
	if len(missing) > 0 {
		return nil, &types.UnknownGraphError{IDs: missing}
	}

	// Build the dependency graph restricted to the subset
	dependents := make(map[string][]string, len(defs))
	remainingPreds := make(map[string]int, len(defs))
	for id := range defs {
		remainingPreds[id] = 0
	}
	for id, def := range defs {
		for _, dep := range inSetDeps(def, defs) {
			dependents[dep] = append(dependents[dep], id)
			remainingPreds[id]++
		}
	}

	var ready []*types.GraphDefinition
	for id, n := range remainingPreds {
		if n == 0 {
			ready = append(ready, defs[id])
		}
	}

	order := make([]string, 0, len(defs))
	for len(ready) > 0 {
		slices.SortFunc(ready, compareReady)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.ID)

		for _, child := range dependents[next.ID] {
			remainingPreds[child]--
			if remainingPreds[child] == 0 {
				ready = append(ready, defs[child])
			}
		}
	}

	if len(order) < len(defs) {
		return nil, &types.CyclicDependencyError{Cycle: findCycle(defs, remainingPreds)}
	}
	return order, nil
}

// compareReady orders by priority rank, then id.
func compareReady(a, b *types.GraphDefinition) int {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra - rb
	}
	return strings.Compare(a.ID, b.ID)
}

// inSetDeps returns the distinct dependencies of def that are part of the set.
func inSetDeps(def *types.GraphDefinition, set map[string]*types.GraphDefinition) []string {
	var deps []string
	for _, dep := range def.Dependencies {
		if _, ok := set[dep]; ok && !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}
	return deps
}

// findCycle walks dependency edges among the graphs Kahn's algorithm could not
// emit. Every such graph has an unemitted dependency, so the walk always closes
// a loop. The returned path repeats its first id at the end.
func findCycle(defs map[string]*types.GraphDefinition, remainingPreds map[string]int) []string {
	var stuck []string
	for id, n := range remainingPreds {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	slices.Sort(stuck)

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(stuck))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		path = append(path, id)

		deps := inSetDeps(defs[id], defs)
		slices.Sort(deps)
		for _, dep := range deps {
			if remainingPreds[dep] == 0 {
				continue // emitted, cannot be on a cycle
			}
			switch state[dep] {
			case onStack:
				start := slices.Index(path, dep)
				cycle := slices.Clone(path[start:])
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range stuck {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return stuck
}
