// Package metadata serves display metadata for graphs without touching
// execution or health state.
package metadata

import (
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Catalog resolves graph definitions. *catalog.Catalog satisfies it.
type Catalog interface {
	Get(id string) (*types.GraphDefinition, error)
}

// Service is a read-only view over the catalog.
type Service struct {
	catalog Catalog
}

// New creates a metadata service.
func New(c Catalog) *Service {
	return &Service{catalog: c}
}

// GetMetadata returns the definition of id, or *types.UnknownGraphError.
func (s *Service) GetMetadata(id string) (*types.GraphDefinition, error) {
	return s.catalog.Get(id)
}
