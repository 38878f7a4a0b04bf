// Package catalog provides the immutable registry of graph definitions.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Source supplies graph definitions at load time. Implementations include a
// static built-in list, a catalog file and a Redis discovery feed.
type Source interface {
	Definitions(ctx context.Context) ([]*types.GraphDefinition, error)
}

// ReservedIDs are graph ids that collide with fixed API routes under
// /api/v1/graphs.
var ReservedIDs = []string{"health"}

// Catalog is the loaded set of graph definitions. It is never mutated after
// Load returns and is safe for concurrent use. Callers always receive copies.
type Catalog struct {
	byID   map[string]*types.GraphDefinition
	sorted []*types.GraphDefinition
}

// Load reads every definition from src and validates the set. It fails with a
// *types.CatalogLoadError on an empty or duplicate id, an unknown category or
// priority, a reserved id, or a dependency on an id that is not in the catalog.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	defs, err := src.Definitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read catalog source: %w", err)
	}
	return New(defs)
}

// New builds a catalog from an in-memory list of definitions.
func New(defs []*types.GraphDefinition) (*Catalog, error) {
	c := &Catalog{
		byID:   make(map[string]*types.GraphDefinition, len(defs)),
		sorted: make([]*types.GraphDefinition, 0, len(defs)),
	}

	for i, def := range defs {
		if def == nil {
			return nil, &types.CatalogLoadError{Reason: fmt.Sprintf("definition %d is nil", i)}
		}
		if strings.TrimSpace(def.ID) == "" {
			return nil, &types.CatalogLoadError{Reason: fmt.Sprintf("definition %d has an empty id", i)}
		}
		if slices.Contains(ReservedIDs, def.ID) {
			return nil, &types.CatalogLoadError{GraphID: def.ID, Reason: "reserved id"}
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, &types.CatalogLoadError{GraphID: def.ID, Reason: "duplicate id"}
		}
		if !def.Category.Valid() {
			return nil, &types.CatalogLoadError{GraphID: def.ID, Reason: fmt.Sprintf("unknown category %q", def.Category)}
		}
		if !def.Priority.Valid() {
			return nil, &types.CatalogLoadError{GraphID: def.ID, Reason: fmt.Sprintf("unknown priority %q", def.Priority)}
		}
		owned := def.Clone()
		c.byID[owned.ID] = owned
		c.sorted = append(c.sorted, owned)
	}

	// Dangling dependencies are checked once every id is known.
	for _, def := range c.sorted {
		for _, dep := range def.Dependencies {
			if _, ok := c.byID[dep]; !ok {
				return nil, &types.CatalogLoadError{
					GraphID: def.ID,
					Reason:  fmt.Sprintf("depends on unknown graph %q", dep),
				}
			}
		}
	}

	slices.SortFunc(c.sorted, func(a, b *types.GraphDefinition) int {
		return strings.Compare(a.ID, b.ID)
	})
	return c, nil
}

// List returns every definition sorted by id.
func (c *Catalog) List() []*types.GraphDefinition {
	out := make([]*types.GraphDefinition, len(c.sorted))
	for i, def := range c.sorted {
		out[i] = def.Clone()
	}
	return out
}

// Get returns the definition for id, or a *types.UnknownGraphError that
// matches types.ErrGraphNotFound.
func (c *Catalog) Get(id string) (*types.GraphDefinition, error) {
	def, ok := c.byID[id]
	if !ok {
		return nil, &types.UnknownGraphError{IDs: []string{id}}
	}
	return def.Clone(), nil
}

// Lookup is Get without the error allocation.
func (c *Catalog) Lookup(id string) (*types.GraphDefinition, bool) {
	def, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Missing returns the ids not present in the catalog, in input order without
// duplicates.
func (c *Catalog) Missing(ids []string) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := c.byID[id]; !ok && !slices.Contains(missing, id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// IDs returns every graph id in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.sorted))
	for i, def := range c.sorted {
		ids[i] = def.ID
	}
	return ids
}

// Len returns the number of graphs.
func (c *Catalog) Len() int {
	return len(c.sorted)
}
