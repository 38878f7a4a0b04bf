package types

import (
	"time"
)

// Execution request defaults and bounds applied at the dispatcher boundary.
const (
	DefaultMaxIterations = 3
	MinMaxIterations     = 1
	MaxMaxIterations     = 10
)

// ExecutionRequest is the input to a single graph dispatch.
type ExecutionRequest struct {
	GraphID   string         `json:"graph_id"`
	InputData map[string]any `json:"input_data,omitempty"`

	// EnableTracing defaults to true when nil
	EnableTracing *bool `json:"enable_tracing,omitempty"`

	// MaxIterations defaults to DefaultMaxIterations when nil
	MaxIterations *int `json:"max_iterations,omitempty"`
}

// TracingEnabled returns the effective tracing flag.
func (r *ExecutionRequest) TracingEnabled() bool {
	if r.EnableTracing == nil {
		return true
	}
	return *r.EnableTracing
}

// Iterations returns the effective iteration limit.
func (r *ExecutionRequest) Iterations() int {
	if r.MaxIterations == nil {
		return DefaultMaxIterations
	}
	return *r.MaxIterations
}

// Validate checks the request shape. It does not consult the catalog.
func (r *ExecutionRequest) Validate() error {
	if r.GraphID == "" {
		return &InvalidRequestError{Field: "graph_id", Reason: "is required"}
	}
	if n := r.Iterations(); n < MinMaxIterations || n > MaxMaxIterations {
		return &InvalidRequestError{
			Field:  "max_iterations",
			Reason: "must be between 1 and 10",
			Value:  n,
		}
	}
	return nil
}

// ExecutionResult is the typed outcome of a graph dispatch. Execution-domain
// failures are reported here with Success=false rather than as errors.
type ExecutionResult struct {
	Success      bool             `json:"success"`
	GraphID      string           `json:"graph_id"`
	Result       map[string]any   `json:"result,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Metadata     *GraphDefinition `json:"metadata,omitempty"`

	// ExecutionComplete distinguishes "ran to completion" from "still in
	// progress" or "interrupted" for long-running graphs.
	ExecutionComplete bool `json:"execution_complete"`

	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

// Bool returns a pointer to b. Handy for ExecutionRequest.EnableTracing.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i. Handy for ExecutionRequest.MaxIterations.
func Int(i int) *int { return &i }
