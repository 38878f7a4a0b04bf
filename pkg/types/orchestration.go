package types

import (
	"time"
)

// SkippedDependencyMessage is the error message recorded for graphs that were
// not dispatched because an upstream dependency failed in the same run.
const SkippedDependencyMessage = "skipped: dependency failed"

// CancelledMessage is recorded for graphs that were never reached because the
// orchestration was cancelled.
const CancelledMessage = "cancelled: orchestration aborted"

// ProjectContext is opaque project metadata forwarded to the execution backend.
type ProjectContext struct {
	Name       string         `json:"name,omitempty"`
	Size       string         `json:"size,omitempty"`
	TeamSize   int            `json:"team_size,omitempty"`
	Timeline   string         `json:"timeline,omitempty"`
	Complexity string         `json:"complexity,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// AsMap flattens the context into a payload suitable for InputData.
func (p ProjectContext) AsMap() map[string]any {
	m := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		m[k] = v
	}
	if p.Name != "" {
		m["name"] = p.Name
	}
	if p.Size != "" {
		m["size"] = p.Size
	}
	if p.TeamSize > 0 {
		m["team_size"] = p.TeamSize
	}
	if p.Timeline != "" {
		m["timeline"] = p.Timeline
	}
	if p.Complexity != "" {
		m["complexity"] = p.Complexity
	}
	return m
}

// OrchestrationRequest asks the engine to run several graphs under one
// coordination strategy.
type OrchestrationRequest struct {
	ProjectContext       ProjectContext `json:"project_context"`
	ActiveGraphIDs       []string       `json:"active_graph_ids"`
	CoordinationStrategy string         `json:"coordination_strategy,omitempty"`
	ResourceConstraints  map[string]any `json:"resource_constraints,omitempty"`
}

// CoordinationPlan is the computed execution order for a run.
type CoordinationPlan struct {
	ExecutionOrder         []string `json:"execution_order"`
	EstimatedTotalDuration string   `json:"estimated_total_duration,omitempty"`
}

// OrchestrationResult aggregates the per-graph outcomes of one run.
type OrchestrationResult struct {
	RunID                string                      `json:"run_id"`
	CoordinationStrategy string                      `json:"coordination_strategy,omitempty"`
	OrchestrationOutcome map[string]any              `json:"orchestration_outcome,omitempty"`
	CoordinationPlan     CoordinationPlan            `json:"coordination_plan"`
	PerGraphResults      map[string]*ExecutionResult `json:"per_graph_results"`
	TotalGraphsExecuted  int                         `json:"total_graphs_executed"`
	SuccessfulExecutions int                         `json:"successful_executions"`
	Skipped              []string                    `json:"skipped,omitempty"`
	Cancelled            bool                        `json:"cancelled,omitempty"`
	StartedAt            time.Time                   `json:"started_at"`
	FinishedAt           time.Time                   `json:"finished_at"`
}

// Succeeded reports whether every graph in the plan ran and succeeded.
func (r *OrchestrationResult) Succeeded() bool {
	return !r.Cancelled && r.SuccessfulExecutions == len(r.CoordinationPlan.ExecutionOrder)
}
