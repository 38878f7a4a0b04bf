// Package types provides shared types for the graph orchestration service.
package types

import (
	"encoding/json"
	"slices"
)

// Category tags a graph by the kind of work it does. The engine stores and
// reports it but never branches on it.
type Category string

const (
	CategoryAnalysis     Category = "analysis"
	CategoryPlanning     Category = "planning"
	CategoryResearch     Category = "research"
	CategoryQuality      Category = "quality"
	CategoryCoordination Category = "coordination"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryAnalysis, CategoryPlanning, CategoryResearch, CategoryQuality, CategoryCoordination:
		return true
	default:
		return false
	}
}

// Priority orders graphs that are ready to run at the same time.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank returns 0 for critical through 3 for low, or -1 for an unknown value.
// Lower ranks run first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return -1
	}
}

// GraphDefinition describes an independently executable workflow graph.
// Definitions are created once at catalog load and never mutated afterwards.
type GraphDefinition struct {
	// ID is the unique catalog key (e.g., "risk-assessment")
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name
	Name string `json:"name" yaml:"name"`

	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category    Category `json:"category" yaml:"category"`
	Priority    Priority `json:"priority" yaml:"priority"`

	// Dependencies are graph IDs that must complete successfully first
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// EstimatedDuration is advisory only (e.g., "5-10 minutes")
	EstimatedDuration string `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`

	// RequiredTools lists external tool identifiers the graph needs
	RequiredTools []string `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`

	// NodeCount is an informational size metric
	NodeCount int `json:"node_count,omitempty" yaml:"node_count,omitempty"`

	// InputSchema is an optional JSON Schema applied to execution input data
	InputSchema json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
}

// Clone returns a deep copy so callers cannot mutate catalog-owned state.
func (g *GraphDefinition) Clone() *GraphDefinition {
	if g == nil {
		return nil
	}
	c := *g
	c.Dependencies = slices.Clone(g.Dependencies)
	c.RequiredTools = slices.Clone(g.RequiredTools)
	if g.InputSchema != nil {
		c.InputSchema = slices.Clone(g.InputSchema)
	}
	return &c
}
