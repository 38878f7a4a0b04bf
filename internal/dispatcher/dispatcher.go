// Package dispatcher runs single graph executions against a Backend and feeds
// every outcome back into the health tracker.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/graphd/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graphd/internal/validator"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Graphs resolves catalog definitions.
type Graphs interface {
	Lookup(id string) (*types.GraphDefinition, bool)
}

// OutcomeRecorder receives every execution result.
type OutcomeRecorder interface {
	RecordOutcome(res *types.ExecutionResult)
}

// InputValidator checks input data against a graph's input schema.
type InputValidator interface {
	ValidateInput(graphID string, schema json.RawMessage, input map[string]interface{}) (*validator.ValidationResult, error)
}

// Dispatcher executes graphs. It holds no lock across executions; concurrent
// Execute calls only share the health tracker.
type Dispatcher struct {
	graphs    Graphs
	backend   Backend
	outcomes  OutcomeRecorder
	validator InputValidator
	timeout   time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithValidator enables input schema validation.
func WithValidator(v InputValidator) Option {
	return func(d *Dispatcher) { d.validator = v }
}

// WithTimeout bounds each backend call. Zero means no bound beyond ctx.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// New creates a dispatcher. outcomes may be nil.
func New(graphs Graphs, backend Backend, outcomes OutcomeRecorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		graphs:   graphs,
		backend:  backend,
		outcomes: outcomes,
		tracer:   otel.Tracer("graphd/dispatcher"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one graph. Structural problems (unknown graph, bad
// max_iterations, input rejected by the graph's schema) are returned as errors
// before anything is dispatched. Everything that goes wrong during execution,
// including cancellation, is reported in the result with Success=false.
func (d *Dispatcher) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	def, err := d.admit(req)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(rejectedLabel(req.GraphID, d.graphs), "rejected").Inc()
		return nil, err
	}

	breq := BackendRequest{
		ExecutionID:   uuid.NewString(),
		Graph:         def,
		GraphID:       def.ID,
		InputData:     req.InputData,
		MaxIterations: req.Iterations(),
		EnableTracing: req.TracingEnabled(),
	}
	if breq.InputData == nil {
		breq.InputData = map[string]any{}
	}

	var span trace.Span
	if breq.EnableTracing {
		ctx, span = d.tracer.Start(ctx, "graph.execute", trace.WithAttributes(
			attribute.String("graph.id", def.ID),
			attribute.String("graph.category", string(def.Category)),
			attribute.Int("graph.max_iterations", breq.MaxIterations),
			attribute.String("execution.id", breq.ExecutionID),
		))
		defer span.End()
	}

	d.logger.Debug("executing graph", "graph_id", def.ID, "execution_id", breq.ExecutionID)

	res := d.run(ctx, breq)
	res.Metadata = def

	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	metrics.ExecutionsTotal.WithLabelValues(def.ID, status).Inc()
	metrics.ExecutionDuration.WithLabelValues(def.ID, status).Observe(res.Duration.Seconds())

	if span != nil {
		span.SetAttributes(
			attribute.Bool("graph.success", res.Success),
			attribute.Bool("graph.execution_complete", res.ExecutionComplete),
		)
		if res.Success {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, res.ErrorMessage)
		}
	}

	if res.Success {
		d.logger.Info("graph succeeded", "graph_id", def.ID, "duration", res.Duration)
	} else {
		d.logger.Warn("graph failed", "graph_id", def.ID, "duration", res.Duration, "error", res.ErrorMessage)
	}

	if d.outcomes != nil {
		d.outcomes.RecordOutcome(res)
	}
	return res, nil
}

// admit applies the structural checks and returns the graph definition.
func (d *Dispatcher) admit(req types.ExecutionRequest) (*types.GraphDefinition, error) {
	if req.GraphID == "" {
		return nil, req.Validate()
	}
	def, ok := d.graphs.Lookup(req.GraphID)
	if !ok {
		return nil, &types.UnknownGraphError{IDs: []string{req.GraphID}}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if d.validator != nil && len(def.InputSchema) > 0 {
		vr, err := d.validator.ValidateInput(def.ID, def.InputSchema, req.InputData)
		if err != nil {
			return nil, &types.InvalidRequestError{Field: "input_data", Reason: "schema unusable: " + err.Error()}
		}
		if !vr.Valid {
			return nil, &types.InvalidRequestError{Field: "input_data", Reason: "rejected by schema: " + vr.Summary()}
		}
	}
	return def, nil
}

// run calls the backend and folds every failure mode into the result.
func (d *Dispatcher) run(ctx context.Context, req BackendRequest) *types.ExecutionResult {
	res := &types.ExecutionResult{GraphID: req.GraphID, StartedAt: time.Now()}

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resp, err := d.callBackend(runCtx, req)
	res.Duration = time.Since(res.StartedAt)

	// A response that arrived wins over a cancellation that raced it.
	switch {
	case err == nil && resp != nil:
		res.Success = resp.Success
		res.Result = resp.Result
		res.ErrorMessage = resp.ErrorMessage
		res.ExecutionComplete = !resp.Incomplete
		if !res.Success && res.ErrorMessage == "" {
			res.ErrorMessage = "graph reported failure"
		}
	case ctx.Err() != nil:
		res.ErrorMessage = "cancelled: " + ctx.Err().Error()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ErrorMessage = fmt.Sprintf("timed out after %s", d.timeout)
	case err != nil:
		res.ErrorMessage = err.Error()
		res.ExecutionComplete = true
	default:
		res.ErrorMessage = "backend returned no response"
		res.ExecutionComplete = true
	}
	return res
}

func (d *Dispatcher) callBackend(ctx context.Context, req BackendRequest) (resp *BackendResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("backend panicked", "graph_id", req.GraphID, "panic", r)
			resp, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()
	return d.backend.Run(ctx, req)
}

// rejectedLabel keeps unknown ids out of the metric label space.
func rejectedLabel(id string, graphs Graphs) string {
	if _, ok := graphs.Lookup(id); ok {
		return id
	}
	return "unknown"
}
