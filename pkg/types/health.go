package types

import (
	"maps"
	"slices"
	"time"
)

// HealthState is the per-graph health status.
type HealthState string

const (
	HealthUnknown HealthState = "unknown"
	HealthHealthy HealthState = "healthy"
	HealthFailed  HealthState = "failed"
)

// GraphHealthStatus is an immutable snapshot of catalog health. Holders must
// treat it as read-only; the tracker publishes a new value on every change.
type GraphHealthStatus struct {
	TotalGraphs    int                    `json:"total_graphs"`
	CompiledGraphs int                    `json:"compiled_graphs"`
	HealthyGraphs  int                    `json:"healthy_graphs"`
	FailedGraphIDs []string               `json:"failed_graph_ids"`
	StatusByGraph  map[string]HealthState `json:"status_by_graph"`

	ConsecutiveFailures map[string]int    `json:"consecutive_failures,omitempty"`
	Diagnostics         map[string]string `json:"diagnostics,omitempty"`
	LastRefresh         time.Time         `json:"last_refresh,omitempty"`
	Refreshed           bool              `json:"refreshed"`
}

// Clone returns a deep copy of the snapshot.
func (s *GraphHealthStatus) Clone() *GraphHealthStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.FailedGraphIDs = slices.Clone(s.FailedGraphIDs)
	c.StatusByGraph = maps.Clone(s.StatusByGraph)
	c.ConsecutiveFailures = maps.Clone(s.ConsecutiveFailures)
	c.Diagnostics = maps.Clone(s.Diagnostics)
	return &c
}

// Recount derives HealthyGraphs and FailedGraphIDs from StatusByGraph.
func (s *GraphHealthStatus) Recount() {
	healthy := 0
	failed := []string{}
	for id, st := range s.StatusByGraph {
		switch st {
		case HealthHealthy:
			healthy++
		case HealthFailed:
			failed = append(failed, id)
		}
	}
	slices.Sort(failed)
	s.HealthyGraphs = healthy
	s.FailedGraphIDs = failed
}
