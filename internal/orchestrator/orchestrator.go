// Package orchestrator coordinates multi-graph runs: it plans a dependency
// order, executes graphs one at a time and aggregates their outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/graphd/internal/archive"
	"github.com/flexinfer/mentatlab/services/graphd/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graphd/internal/resolver"
	"github.com/flexinfer/mentatlab/services/graphd/internal/runstore"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// ErrNoRunStore is returned by Submit when no run store is configured.
var ErrNoRunStore = errors.New("orchestrator: background runs need a run store")

// Catalog is the part of the graph catalog the orchestrator reads.
type Catalog interface {
	resolver.Lookup
	Missing(ids []string) []string
}

// Executor runs a single graph. *dispatcher.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error)
}

// Archiver stores final results. *archive.Service satisfies it.
type Archiver interface {
	Archive(ctx context.Context, result *types.OrchestrationResult) (*archive.Ref, error)
}

// Orchestrator runs orchestrations. Each run is sequential; separate runs
// proceed concurrently.
type Orchestrator struct {
	catalog  Catalog
	exec     Executor
	store    runstore.RunStore
	archiver Archiver
	tracer   trace.Tracer
	logger   *slog.Logger

	// background runs started by Submit
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRunStore persists runs and their events.
func WithRunStore(s runstore.RunStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithArchiver archives every final result.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// New creates an orchestrator.
func New(catalog Catalog, exec Executor, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		catalog: catalog,
		exec:    exec,
		tracer:  otel.Tracer("graphd/orchestrator"),
		logger:  slog.Default(),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// plannedRun is a validated request with its execution order.
type plannedRun struct {
	id   string
	req  *types.OrchestrationRequest
	defs map[string]*types.GraphDefinition
	plan types.CoordinationPlan
}

// Plan validates req and computes its coordination plan without running
// anything.
func (o *Orchestrator) Plan(req *types.OrchestrationRequest) (*types.CoordinationPlan, error) {
	p, err := o.plan(req)
	if err != nil {
		return nil, err
	}
	return &p.plan, nil
}

func (o *Orchestrator) plan(req *types.OrchestrationRequest) (*plannedRun, error) {
	if req == nil || len(req.ActiveGraphIDs) == 0 {
		return nil, &types.InvalidRequestError{Field: "active_graph_ids", Reason: "must not be empty"}
	}
	if missing := o.catalog.Missing(req.ActiveGraphIDs); len(missing) > 0 {
		return nil, &types.UnknownGraphError{IDs: missing}
	}

	order, err := resolver.ComputeExecutionOrder(o.catalog, req.ActiveGraphIDs)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*types.GraphDefinition, len(order))
	ordered := make([]*types.GraphDefinition, 0, len(order))
	for _, id := range order {
		def, _ := o.catalog.Lookup(id)
		defs[id] = def
		ordered = append(ordered, def)
	}

	return &plannedRun{
		id:   uuid.NewString(),
		req:  req,
		defs: defs,
		plan: types.CoordinationPlan{
			ExecutionOrder:         order,
			EstimatedTotalDuration: resolver.EstimateTotalDuration(ordered),
		},
	}, nil
}

// Orchestrate runs every active graph in dependency order and returns the
// aggregate. Unknown ids, cycles and empty requests fail before anything
// runs. A graph whose in-set dependency failed or was skipped is skipped
// itself; independent branches keep running. When ctx ends, graphs not yet
// started are marked cancelled and the result is still returned.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *types.OrchestrationRequest) (*types.OrchestrationResult, error) {
	p, err := o.plan(req)
	if err != nil {
		return nil, err
	}
	if err := o.createRun(ctx, p); err != nil {
		return nil, err
	}
	return o.run(ctx, p), nil
}

// Submit plans req, records the run and executes it in the background. The
// returned run is queued; progress is visible through the run store.
func (o *Orchestrator) Submit(ctx context.Context, req *types.OrchestrationRequest) (*types.Run, error) {
	if o.store == nil {
		return nil, ErrNoRunStore
	}
	p, err := o.plan(req)
	if err != nil {
		return nil, err
	}
	if err := o.createRun(ctx, p); err != nil {
		return nil, err
	}
	run, err := o.store.GetRun(ctx, p.id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.baseCtx, p)
	}()
	return run, nil
}

// Shutdown cancels background runs and waits for them to record their
// results, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) createRun(ctx context.Context, p *plannedRun) error {
	if o.store == nil {
		return nil
	}
	_, err := o.store.CreateRun(ctx, p.id, p.req)
	recordStoreOp("create_run", err)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// run walks the plan. It never fails; every outcome is data.
func (o *Orchestrator) run(ctx context.Context, p *plannedRun) *types.OrchestrationResult {
	order := p.plan.ExecutionOrder
	result := &types.OrchestrationResult{
		RunID:                p.id,
		CoordinationStrategy: p.req.CoordinationStrategy,
		CoordinationPlan:     p.plan,
		PerGraphResults:      make(map[string]*types.ExecutionResult, len(order)),
		StartedAt:            time.Now().UTC(),
	}

	ctx, span := o.tracer.Start(ctx, "orchestration.run", trace.WithAttributes(
		attribute.String("run.id", p.id),
		attribute.String("coordination.strategy", p.req.CoordinationStrategy),
		attribute.Int("graphs.count", len(order)),
	))
	defer span.End()

	metrics.OrchestrationsActive.Inc()
	defer metrics.OrchestrationsActive.Dec()

	// persistence outlives cancellation of the run itself
	storeCtx := context.WithoutCancel(ctx)
	log := o.logger.With("run_id", p.id)

	o.setStatus(storeCtx, p.id, types.RunStatusRunning, "")
	o.emit(storeCtx, p.id, types.EventTypePlan, "", types.PlanEvent{
		ExecutionOrder:         order,
		EstimatedTotalDuration: p.plan.EstimatedTotalDuration,
	})
	log.Info("orchestration started", "strategy", p.req.CoordinationStrategy, "order", order)

	inSet := make(map[string]bool, len(order))
	for _, id := range order {
		inSet[id] = true
	}
	blocked := make(map[string]bool) // failed, skipped or cancelled
	outputs := make(map[string]map[string]any)

	for i, id := range order {
		def := p.defs[id]
		pos := types.GraphEvent{Position: i + 1, Total: len(order)}

		if ctx.Err() != nil {
			result.Cancelled = true
			blocked[id] = true
			result.PerGraphResults[id] = &types.ExecutionResult{
				GraphID:      id,
				ErrorMessage: types.CancelledMessage,
				Metadata:     def,
			}
			pos.ErrorMessage = types.CancelledMessage
			o.emit(storeCtx, p.id, types.EventTypeGraphFailed, id, pos)
			continue
		}

		if dep := failedDependency(def, inSet, blocked); dep != "" {
			blocked[id] = true
			result.Skipped = append(result.Skipped, id)
			result.PerGraphResults[id] = &types.ExecutionResult{
				GraphID:      id,
				ErrorMessage: types.SkippedDependencyMessage,
				Metadata:     def,
			}
			metrics.ExecutionsTotal.WithLabelValues(id, "skipped").Inc()
			pos.ErrorMessage = types.SkippedDependencyMessage
			o.emit(storeCtx, p.id, types.EventTypeGraphSkipped, id, pos)
			log.Info("graph skipped", "graph_id", id, "failed_dependency", dep)
			continue
		}

		o.emit(storeCtx, p.id, types.EventTypeGraphStarted, id, pos)
		res, err := o.exec.Execute(ctx, o.executionRequest(p, def, outputs))
		if err != nil {
			// rejected before dispatch, e.g. by the graph's input schema
			res = &types.ExecutionResult{GraphID: id, ErrorMessage: err.Error(), Metadata: def}
		}
		result.PerGraphResults[id] = res
		result.TotalGraphsExecuted++

		pos.DurationMs = res.Duration.Milliseconds()
		if res.Success {
			result.SuccessfulExecutions++
			outputs[id] = res.Result
			o.emit(storeCtx, p.id, types.EventTypeGraphSucceeded, id, pos)
		} else {
			blocked[id] = true
			pos.ErrorMessage = res.ErrorMessage
			o.emit(storeCtx, p.id, types.EventTypeGraphFailed, id, pos)
		}
	}
	if ctx.Err() != nil {
		result.Cancelled = true
	}

	result.FinishedAt = time.Now().UTC()
	status := runStatus(result)
	result.OrchestrationOutcome = outcome(p, result, status, outputs)

	elapsed := result.FinishedAt.Sub(result.StartedAt)
	metrics.OrchestrationsTotal.WithLabelValues(string(status)).Inc()
	metrics.OrchestrationDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())

	span.SetAttributes(
		attribute.Int("graphs.executed", result.TotalGraphsExecuted),
		attribute.Int("graphs.succeeded", result.SuccessfulExecutions),
	)
	if status == types.RunStatusSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(status))
	}

	o.finish(storeCtx, p.id, result, status)
	log.Info("orchestration finished",
		"status", status,
		"executed", result.TotalGraphsExecuted,
		"succeeded", result.SuccessfulExecutions,
		"skipped", len(result.Skipped),
		"duration", elapsed,
	)
	return result
}

// executionRequest builds the input for one graph: the project context,
// strategy and constraints, plus the outputs of its completed dependencies.
func (o *Orchestrator) executionRequest(p *plannedRun, def *types.GraphDefinition, outputs map[string]map[string]any) types.ExecutionRequest {
	input := map[string]any{
		"run_id":                p.id,
		"project_context":       p.req.ProjectContext.AsMap(),
		"coordination_strategy": p.req.CoordinationStrategy,
	}
	if len(p.req.ResourceConstraints) > 0 {
		input["resource_constraints"] = maps.Clone(p.req.ResourceConstraints)
	}
	upstream := make(map[string]any)
	for _, dep := range def.Dependencies {
		if out, ok := outputs[dep]; ok {
			upstream[dep] = maps.Clone(out)
		}
	}
	if len(upstream) > 0 {
		input["upstream"] = upstream
	}
	return types.ExecutionRequest{GraphID: def.ID, InputData: input}
}

// failedDependency returns the first in-set dependency of def that did not
// succeed, or "".
func failedDependency(def *types.GraphDefinition, inSet, blocked map[string]bool) string {
	for _, dep := range def.Dependencies {
		if inSet[dep] && blocked[dep] {
			return dep
		}
	}
	return ""
}

func runStatus(r *types.OrchestrationResult) types.RunStatus {
	switch {
	case r.Cancelled:
		return types.RunStatusCancelled
	case r.Succeeded():
		return types.RunStatusSucceeded
	case r.SuccessfulExecutions > 0:
		return types.RunStatusPartial
	default:
		return types.RunStatusFailed
	}
}

func outcome(p *plannedRun, r *types.OrchestrationResult, status types.RunStatus, outputs map[string]map[string]any) map[string]any {
	var failed []string
	for _, id := range r.CoordinationPlan.ExecutionOrder {
		if res := r.PerGraphResults[id]; !res.Success && !slices.Contains(r.Skipped, id) {
			failed = append(failed, id)
		}
	}
	return map[string]any{
		"status":           status,
		"project":          p.req.ProjectContext.Name,
		"failed_graph_ids": failed,
		"outputs":          outputs,
	}
}

func (o *Orchestrator) finish(ctx context.Context, runID string, result *types.OrchestrationResult, status types.RunStatus) {
	var errMsg string
	if status == types.RunStatusFailed || status == types.RunStatusPartial {
		errMsg = fmt.Sprintf("%d of %d graphs succeeded", result.SuccessfulExecutions, len(result.CoordinationPlan.ExecutionOrder))
	}
	if status == types.RunStatusCancelled {
		errMsg = types.CancelledMessage
	}

	if o.store != nil {
		err := o.store.SaveResult(ctx, runID, result)
		recordStoreOp("save_result", err)
		if err != nil {
			o.logger.Error("save result failed", "run_id", runID, "error", err)
		}
	}
	o.setStatus(ctx, runID, status, errMsg)
	o.emit(ctx, runID, types.EventTypeRunStatus, "", types.RunStatusEvent{Status: status, Error: errMsg})

	if o.archiver != nil {
		if ref, err := o.archiver.Archive(ctx, result); err != nil {
			o.logger.Warn("archive result failed", "run_id", runID, "error", err)
		} else {
			o.logger.Debug("result archived", "run_id", runID, "uri", ref.URI)
		}
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) {
	if o.store == nil {
		return
	}
	err := o.store.UpdateRunStatus(ctx, runID, status, errMsg)
	recordStoreOp("update_status", err)
	if err != nil {
		o.logger.Error("update run status failed", "run_id", runID, "status", status, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, runID string, typ types.EventType, graphID string, data any) {
	metrics.EventsTotal.WithLabelValues(string(typ)).Inc()
	if o.store == nil {
		return
	}
	_, err := o.store.AppendEvent(ctx, runID, &types.EventInput{Type: typ, GraphID: graphID, Data: data})
	recordStoreOp("append_event", err)
	if err != nil {
		o.logger.Warn("append event failed", "run_id", runID, "type", typ, "error", err)
	}
}

func recordStoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RunStoreOperations.WithLabelValues(op, result).Inc()
}
