package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the state of an orchestration run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial" // some graphs failed or were skipped
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is the persisted record of one orchestration.
type Run struct {
	ID         string               `json:"id"`
	Strategy   string               `json:"coordination_strategy,omitempty"`
	Project    string               `json:"project,omitempty"`
	GraphIDs   []string             `json:"active_graph_ids"`
	Status     RunStatus            `json:"status"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	Result     *OrchestrationResult `json:"result,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// EventType categorizes the kind of run event.
type EventType string

const (
	EventTypePlan           EventType = "plan"
	EventTypeGraphStarted   EventType = "graph_started"
	EventTypeGraphSucceeded EventType = "graph_succeeded"
	EventTypeGraphFailed    EventType = "graph_failed"
	EventTypeGraphSkipped   EventType = "graph_skipped"
	EventTypeRunStatus      EventType = "run_status"
)

// Event is a single entry in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	GraphID   string          `json:"graph_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type    EventType   `json:"type"`
	GraphID string      `json:"graph_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PlanEvent is the payload of the plan event.
type PlanEvent struct {
	ExecutionOrder         []string `json:"execution_order"`
	EstimatedTotalDuration string   `json:"estimated_total_duration,omitempty"`
}

// GraphEvent is the payload of graph_* events.
type GraphEvent struct {
	Position     int    `json:"position"`
	Total        int    `json:"total"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// RunStatusEvent is the payload of run_status events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
