package catalog

import (
	"context"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// StaticSource serves a fixed list of definitions.
type StaticSource struct {
	Graphs []*types.GraphDefinition
}

// NewStaticSource returns a source over defs, or over DefaultGraphs when defs
// is empty.
func NewStaticSource(defs ...*types.GraphDefinition) *StaticSource {
	if len(defs) == 0 {
		defs = DefaultGraphs()
	}
	return &StaticSource{Graphs: defs}
}

// Definitions implements Source.
func (s *StaticSource) Definitions(ctx context.Context) ([]*types.GraphDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*types.GraphDefinition, len(s.Graphs))
	for i, def := range s.Graphs {
		out[i] = def.Clone()
	}
	return out, nil
}

// DefaultGraphs is the built-in project-analysis catalog.
func DefaultGraphs() []*types.GraphDefinition {
	return []*types.GraphDefinition{
		{
			ID:                "requirements-analysis",
			Name:              "Requirements Analysis",
			Description:       "Extracts goals, constraints and acceptance criteria from the project brief",
			Category:          types.CategoryAnalysis,
			Priority:          types.PriorityCritical,
			EstimatedDuration: "3-5 minutes",
			RequiredTools:     []string{"document_parser"},
			NodeCount:         6,
		},
		{
			ID:                "risk-assessment",
			Name:              "Risk Assessment",
			Description:       "Scores delivery, technical and staffing risks",
			Category:          types.CategoryAnalysis,
			Priority:          types.PriorityHigh,
			Dependencies:      []string{"requirements-analysis"},
			EstimatedDuration: "5-10 minutes",
			RequiredTools:     []string{"risk_matrix"},
			NodeCount:         8,
		},
		{
			ID:                "market-research",
			Name:              "Market Research",
			Description:       "Surveys competitors and comparable products",
			Category:          types.CategoryResearch,
			Priority:          types.PriorityMedium,
			EstimatedDuration: "10-15 minutes",
			RequiredTools:     []string{"web_search"},
			NodeCount:         7,
		},
		{
			ID:                "technical-research",
			Name:              "Technical Research",
			Description:       "Evaluates candidate technologies against the requirements",
			Category:          types.CategoryResearch,
			Priority:          types.PriorityHigh,
			Dependencies:      []string{"requirements-analysis"},
			EstimatedDuration: "10-20 minutes",
			RequiredTools:     []string{"web_search", "code_analyzer"},
			NodeCount:         9,
		},
		{
			ID:                "project-planning",
			Name:              "Project Planning",
			Description:       "Builds milestones and a work breakdown structure",
			Category:          types.CategoryPlanning,
			Priority:          types.PriorityCritical,
			Dependencies:      []string{"requirements-analysis", "risk-assessment"},
			EstimatedDuration: "5-10 minutes",
			RequiredTools:     []string{"calendar"},
			NodeCount:         10,
		},
		{
			ID:                "resource-allocation",
			Name:              "Resource Allocation",
			Description:       "Assigns people and budget to planned work",
			Category:          types.CategoryPlanning,
			Priority:          types.PriorityHigh,
			Dependencies:      []string{"project-planning"},
			EstimatedDuration: "5 minutes",
			RequiredTools:     []string{"calendar"},
			NodeCount:         5,
		},
		{
			ID:                "quality-review",
			Name:              "Quality Review",
			Description:       "Checks plans and research output for gaps and contradictions",
			Category:          types.CategoryQuality,
			Priority:          types.PriorityMedium,
			Dependencies:      []string{"project-planning", "technical-research"},
			EstimatedDuration: "5-8 minutes",
			NodeCount:         4,
		},
		{
			ID:                "team-coordination",
			Name:              "Team Coordination",
			Description:       "Produces the communication plan and matrix coordination schedule",
			Category:          types.CategoryCoordination,
			Priority:          types.PriorityMedium,
			Dependencies:      []string{"resource-allocation", "quality-review"},
			EstimatedDuration: "3-5 minutes",
			RequiredTools:     []string{"calendar"},
			NodeCount:         6,
		},
	}
}
