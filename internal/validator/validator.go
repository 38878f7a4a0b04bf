// Package validator provides JSON schema validation for graph catalogs and
// per-graph execution input.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates catalog documents and execution input data.
type Validator struct {
	catalogSchema *jsonschema.Schema

	mu     sync.RWMutex
	inputs map[string]*jsonschema.Schema // compiled input schemas by graph id
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Summary joins the error messages into a single line.
func (r *ValidationResult) Summary() string {
	if r == nil || r.Valid {
		return ""
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		path := e.Path
		if path == "" {
			path = "$"
		}
		parts = append(parts, path+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// New creates a new validator with the embedded catalog schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("catalog.json", strings.NewReader(catalogSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add catalog schema: %w", err)
	}

	catalogSchema, err := compiler.Compile("catalog.json")
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	return &Validator{
		catalogSchema: catalogSchema,
		inputs:        make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateCatalog validates a decoded catalog document.
func (v *Validator) ValidateCatalog(doc interface{}) *ValidationResult {
	return v.validate(v.catalogSchema, doc)
}

// ValidateCatalogJSON validates a JSON-encoded catalog document.
func (v *Validator) ValidateCatalogJSON(data []byte) *ValidationResult {
	doc, err := decode(data)
	if err != nil {
		return invalidJSON(err)
	}
	return v.ValidateCatalog(doc)
}

// ValidateInput checks input data against a graph's input schema. Compiled
// schemas are cached per graph id; an empty schema accepts anything.
func (v *Validator) ValidateInput(graphID string, schema json.RawMessage, input map[string]interface{}) (*ValidationResult, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return &ValidationResult{Valid: true}, nil
	}

	compiled, err := v.inputSchema(graphID, schema)
	if err != nil {
		return nil, err
	}

	// Normalize Go values (ints, structs) to the JSON data model.
	if input == nil {
		input = map[string]interface{}{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return invalidJSON(err), nil
	}
	doc, err := decode(data)
	if err != nil {
		return invalidJSON(err), nil
	}
	return v.validate(compiled, doc), nil
}

func (v *Validator) inputSchema(graphID string, schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.inputs[graphID]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	url := "input/" + graphID + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add input schema for %s: %w", graphID, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", graphID, err)
	}

	v.mu.Lock()
	v.inputs[graphID] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts leaf validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}

	var errs []ValidationError
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}

func decode(data []byte) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func invalidJSON(err error) *ValidationResult {
	return &ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
		},
	}
}

// Embedded JSON schemas

const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "catalog.json",
  "title": "Graph Catalog",
  "description": "Schema for graph catalog files",
  "type": "object",
  "required": ["graphs"],
  "properties": {
    "version": {
      "type": ["string", "integer"],
      "description": "Catalog format version"
    },
    "graphs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "category", "priority"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-z][a-z0-9._-]*$",
            "description": "Unique graph identifier"
          },
          "name": {
            "type": "string",
            "minLength": 1,
            "description": "Human-readable graph name"
          },
          "description": {
            "type": "string"
          },
          "category": {
            "type": "string",
            "enum": ["analysis", "planning", "research", "quality", "coordination"]
          },
          "priority": {
            "type": "string",
            "enum": ["critical", "high", "medium", "low"]
          },
          "dependencies": {
            "type": "array",
            "items": {"type": "string"},
            "uniqueItems": true,
            "description": "Graph ids that must complete successfully first"
          },
          "estimated_duration": {
            "type": "string",
            "description": "Advisory duration, e.g. 5-10 minutes"
          },
          "required_tools": {
            "type": "array",
            "items": {"type": "string"}
          },
          "node_count": {
            "type": "integer",
            "minimum": 0
          },
          "input_schema": {
            "type": "object",
            "description": "JSON Schema applied to execution input data"
          }
        }
      },
      "description": "Graph definitions"
    }
  }
}`
