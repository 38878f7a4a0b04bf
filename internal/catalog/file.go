package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/graphd/internal/validator"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// FileSource loads definitions from a YAML or JSON catalog file. The document
// is checked against the catalog schema before it is decoded.
type FileSource struct {
	Path      string
	Validator *validator.Validator
}

// catalogFile is the on-disk document shape.
type catalogFile struct {
	Version interface{}              `json:"version,omitempty"`
	Graphs  []*types.GraphDefinition `json:"graphs"`
}

// NewFileSource creates a file source. v may be nil to skip schema checks.
func NewFileSource(path string, v *validator.Validator) *FileSource {
	return &FileSource{Path: path, Validator: v}
}

// Definitions implements Source.
func (s *FileSource) Definitions(ctx context.Context) ([]*types.GraphDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	data, err := toJSON(s.Path, raw)
	if err != nil {
		return nil, &types.CatalogLoadError{Reason: fmt.Sprintf("%s: %v", s.Path, err)}
	}

	if s.Validator != nil {
		if res := s.Validator.ValidateCatalogJSON(data); !res.Valid {
			return nil, &types.CatalogLoadError{Reason: fmt.Sprintf("%s: %s", s.Path, res.Summary())}
		}
	}

	var doc catalogFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &types.CatalogLoadError{Reason: fmt.Sprintf("%s: %v", s.Path, err)}
	}
	return doc.Graphs, nil
}

// toJSON converts YAML catalogs to JSON so that both formats share one schema
// and one decoder. Input schemas embedded in YAML come out as JSON objects.
func toJSON(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		return data, nil
	default:
		return raw, nil
	}
}
