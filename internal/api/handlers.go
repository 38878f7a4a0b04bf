package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/graphd/internal/config"
	"github.com/flexinfer/mentatlab/services/graphd/internal/resolver"
	"github.com/flexinfer/mentatlab/services/graphd/internal/runstore"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// GraphCatalog is the read side of the catalog.
type GraphCatalog interface {
	resolver.Lookup
	List() []*types.GraphDefinition
	IDs() []string
	Len() int
}

// HealthTracker exposes the current health snapshot.
type HealthTracker interface {
	Snapshot() *types.GraphHealthStatus
	Refresh(ctx context.Context) (*types.GraphHealthStatus, error)
}

// Executor runs a single graph.
type Executor interface {
	Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error)
}

// Orchestrator runs multi-graph orchestrations.
type Orchestrator interface {
	Plan(req *types.OrchestrationRequest) (*types.CoordinationPlan, error)
	Orchestrate(ctx context.Context, req *types.OrchestrationRequest) (*types.OrchestrationResult, error)
	Submit(ctx context.Context, req *types.OrchestrationRequest) (*types.Run, error)
}

// MetadataService serves graph display metadata.
type MetadataService interface {
	GetMetadata(id string) (*types.GraphDefinition, error)
}

// ResultFetcher reads archived orchestration results.
type ResultFetcher interface {
	Fetch(ctx context.Context, runID string) (*types.OrchestrationResult, error)
}

// Deps are the collaborators behind the HTTP surface. Archive may be nil.
type Deps struct {
	Catalog      GraphCatalog
	Health       HealthTracker
	Executor     Executor
	Orchestrator Orchestrator
	Metadata     MetadataService
	Store        runstore.RunStore
	Archive      ResultFetcher
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	Deps
	config *config.Config
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{Deps: deps, config: cfg, logger: logger}
}

const maxBodyBytes = 4 << 20

// --- Health Endpoints ---

// Liveness handles the /health and /healthz endpoints.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports ready once the catalog is loaded and the run store answers.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil || h.Catalog.Len() == 0 {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "catalog not loaded", nil)
		return
	}
	info, err := h.Store.AdapterInfo(r.Context())
	if err == nil {
		err = h.Store.Ping(r.Context())
	}
	if err != nil {
		h.logger.Warn("runstore unhealthy", "error", err)
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "runstore unhealthy", map[string]interface{}{"reason": err.Error()})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"graphs":   h.Catalog.Len(),
		"runstore": info,
	})
}

// --- Graphs ---

// GraphListResponse is the body of GET /api/v1/graphs.
type GraphListResponse struct {
	Graphs         []*types.GraphDefinition `json:"graphs"`
	Health         *types.GraphHealthStatus `json:"health"`
	ExecutionOrder []string                 `json:"execution_order,omitempty"`
	OrderError     string                   `json:"order_error,omitempty"`
}

// ListGraphs handles GET /api/v1/graphs
func (h *Handlers) ListGraphs(w http.ResponseWriter, r *http.Request) {
	resp := GraphListResponse{
		Graphs: h.Catalog.List(),
		Health: h.Health.Snapshot(),
	}
	order, err := resolver.ComputeExecutionOrder(h.Catalog, h.Catalog.IDs())
	if err != nil {
		// the catalog may legally contain a cycle; listing still works
		resp.OrderError = err.Error()
	} else {
		resp.ExecutionOrder = order
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GraphView is a definition with its current health.
type GraphView struct {
	*types.GraphDefinition
	Health              types.HealthState `json:"health"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Diagnostic          string            `json:"diagnostic,omitempty"`
}

// GetGraph handles GET /api/v1/graphs/{id}
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	def, err := h.Metadata.GetMetadata(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	snap := h.Health.Snapshot()
	h.respondJSON(w, http.StatusOK, GraphView{
		GraphDefinition:     def,
		Health:              snap.StatusByGraph[def.ID],
		ConsecutiveFailures: snap.ConsecutiveFailures[def.ID],
		Diagnostic:          snap.Diagnostics[def.ID],
	})
}

// GetMetadata handles GET /api/v1/graphs/{id}/metadata
func (h *Handlers) GetMetadata(w http.ResponseWriter, r *http.Request) {
	def, err := h.Metadata.GetMetadata(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// ExecuteRequest is the body of POST /api/v1/graphs/{id}/execute. The graph
// id comes from the path.
type ExecuteRequest struct {
	InputData     map[string]any `json:"input_data,omitempty"`
	EnableTracing *bool          `json:"enable_tracing,omitempty"`
	MaxIterations *int           `json:"max_iterations,omitempty"`
}

// ExecuteGraph handles POST /api/v1/graphs/{id}/execute. Execution failures
// are a 200 with success=false.
func (h *Handlers) ExecuteGraph(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	res, err := h.Executor.Execute(r.Context(), types.ExecutionRequest{
		GraphID:       mux.Vars(r)["id"],
		InputData:     body.InputData,
		EnableTracing: body.EnableTracing,
		MaxIterations: body.MaxIterations,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// GetHealth handles GET /api/v1/graphs/health
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.Health.Snapshot())
}

// RefreshHealth handles POST /api/v1/graphs/health/refresh
func (h *Handlers) RefreshHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Health.Refresh(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// --- Orchestrations ---

// CreateOrchestrationResponse is returned for background runs.
type CreateOrchestrationResponse struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`
	SSEURL string          `json:"sse_url"`
}

// CreateOrchestration handles POST /api/v1/orchestrations. With ?async=true
// the run is started in the background and a 202 points at its event stream;
// otherwise the call blocks until the run finishes.
func (h *Handlers) CreateOrchestration(w http.ResponseWriter, r *http.Request) {
	var req types.OrchestrationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		run, err := h.Orchestrator.Submit(r.Context(), &req)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		h.respondJSON(w, http.StatusAccepted, CreateOrchestrationResponse{
			RunID:  run.ID,
			Status: run.Status,
			SSEURL: "/api/v1/orchestrations/" + run.ID + "/events",
		})
		return
	}

	res, err := h.Orchestrator.Orchestrate(r.Context(), &req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// PlanOrchestration handles POST /api/v1/orchestrations/plan
func (h *Handlers) PlanOrchestration(w http.ResponseWriter, r *http.Request) {
	var req types.OrchestrationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	plan, err := h.Orchestrator.Plan(&req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, plan)
}

// ListOrchestrations handles GET /api/v1/orchestrations
func (h *Handlers) ListOrchestrations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// ArchivedRun is returned when a run is only found in the archive.
type ArchivedRun struct {
	ID       string                     `json:"id"`
	Archived bool                       `json:"archived"`
	Result   *types.OrchestrationResult `json:"result"`
}

// GetOrchestration handles GET /api/v1/orchestrations/{id}. Runs that expired
// from the run store are served from the archive when one is configured.
func (h *Handlers) GetOrchestration(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := h.Store.GetRun(r.Context(), runID)
	if err == nil {
		h.respondJSON(w, http.StatusOK, run)
		return
	}
	if errors.Is(err, runstore.ErrRunNotFound) && h.Archive != nil {
		res, aerr := h.Archive.Fetch(r.Context(), runID)
		if aerr == nil {
			h.respondJSON(w, http.StatusOK, ArchivedRun{ID: runID, Archived: true, Result: res})
			return
		}
		err = aerr
	}
	h.respondError(w, r, err)
}

// --- Helper Methods ---

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", map[string]interface{}{"reason": err.Error()})
		return false
	}
	return true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, details := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), err.Error(), details)
}
