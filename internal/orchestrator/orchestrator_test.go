package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/internal/archive"
	"github.com/flexinfer/mentatlab/services/graphd/internal/catalog"
	"github.com/flexinfer/mentatlab/services/graphd/internal/dispatcher"
	"github.com/flexinfer/mentatlab/services/graphd/internal/health"
	"github.com/flexinfer/mentatlab/services/graphd/internal/runstore"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

func def(id string, p types.Priority, deps ...string) *types.GraphDefinition {
	return &types.GraphDefinition{
		ID:                id,
		Name:              id,
		Category:          types.CategoryAnalysis,
		Priority:          p,
		Dependencies:      deps,
		EstimatedDuration: "5-10 minutes",
	}
}

func mustCatalog(t *testing.T, defs ...*types.GraphDefinition) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(defs)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

// harness wires a real dispatcher and tracker around a scripted backend.
type harness struct {
	cat     *catalog.Catalog
	tracker *health.Tracker
	orch    *Orchestrator
	store   *runstore.MemoryStore

	mu    sync.Mutex
	calls []dispatcher.BackendRequest
}

func newHarness(t *testing.T, cat *catalog.Catalog, fail map[string]bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{cat: cat, store: runstore.NewMemoryStore(nil)}
	h.tracker = health.NewTracker(cat, health.FuncProbe(func(context.Context, *types.GraphDefinition) (health.ProbeResult, error) {
		return health.ProbeResult{Compiled: true, Healthy: true}, nil
	}))
	backend := dispatcher.FuncBackend(func(ctx context.Context, req dispatcher.BackendRequest) (*dispatcher.BackendResponse, error) {
		h.mu.Lock()
		h.calls = append(h.calls, req)
		h.mu.Unlock()
		if fail[req.GraphID] {
			return &dispatcher.BackendResponse{Success: false, ErrorMessage: req.GraphID + " broke"}, nil
		}
		return &dispatcher.BackendResponse{Success: true, Result: map[string]any{"from": req.GraphID}}, nil
	})
	d := dispatcher.New(cat, backend, h.tracker)
	h.orch = New(cat, d, append([]Option{WithRunStore(h.store)}, opts...)...)
	return h
}

func (h *harness) dispatched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.calls))
	for i, c := range h.calls {
		ids[i] = c.GraphID
	}
	return ids
}

func assertCounts(t *testing.T, r *types.OrchestrationResult, active int) {
	t.Helper()
	if r.SuccessfulExecutions > r.TotalGraphsExecuted || r.TotalGraphsExecuted > active {
		t.Errorf("count invariant violated: success=%d total=%d active=%d", r.SuccessfulExecutions, r.TotalGraphsExecuted, active)
	}
}

func TestOrchestrate_UpstreamFailureSkipsDownstream(t *testing.T) {
	// A <- B <- C, A fails
	cat := mustCatalog(t,
		def("a", types.PriorityHigh),
		def("b", types.PriorityHigh, "a"),
		def("c", types.PriorityHigh, "b"),
	)
	h := newHarness(t, cat, map[string]bool{"a": true})

	r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{
		ActiveGraphIDs:       []string{"c", "b", "a"},
		CoordinationStrategy: "matrix_coordination",
	})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	if got := r.CoordinationPlan.ExecutionOrder; !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", got)
	}
	if r.TotalGraphsExecuted != 1 || r.SuccessfulExecutions != 0 {
		t.Errorf("executed=%d succeeded=%d, want 1/0", r.TotalGraphsExecuted, r.SuccessfulExecutions)
	}
	for _, id := range []string{"b", "c"} {
		res := r.PerGraphResults[id]
		if res == nil || res.Success || res.ErrorMessage != types.SkippedDependencyMessage {
			t.Errorf("%s = %+v, want skipped", id, res)
		}
	}
	if !slices.Equal(r.Skipped, []string{"b", "c"}) {
		t.Errorf("skipped = %v", r.Skipped)
	}
	if got := h.dispatched(); !slices.Equal(got, []string{"a"}) {
		t.Errorf("dispatched = %v, want only a", got)
	}
	if r.OrchestrationOutcome["status"] != types.RunStatusFailed {
		t.Errorf("outcome = %v", r.OrchestrationOutcome)
	}
	assertCounts(t, r, 3)

	s := h.tracker.Snapshot()
	if s.StatusByGraph["a"] != types.HealthFailed {
		t.Errorf("a health = %s", s.StatusByGraph["a"])
	}
	if s.StatusByGraph["b"] != types.HealthUnknown {
		t.Errorf("skipped graph must not touch health, b = %s", s.StatusByGraph["b"])
	}
}

func TestOrchestrate_AllSucceed(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityLow), def("b", types.PriorityCritical, "a"))
	h := newHarness(t, cat, nil)

	r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{
		ActiveGraphIDs: []string{"a", "b"},
		ProjectContext: types.ProjectContext{Name: "apollo", TeamSize: 4},
	})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if r.TotalGraphsExecuted != 2 || r.SuccessfulExecutions != 2 || !r.Succeeded() {
		t.Errorf("result = %+v", r)
	}
	if r.CoordinationPlan.EstimatedTotalDuration == "" {
		t.Error("missing estimated duration")
	}

	s := h.tracker.Snapshot()
	if s.StatusByGraph["a"] != types.HealthHealthy || s.StatusByGraph["b"] != types.HealthHealthy {
		t.Errorf("health = %v", s.StatusByGraph)
	}

	// b sees a's output and the project context
	h.mu.Lock()
	bReq := h.calls[1]
	h.mu.Unlock()
	upstream, _ := bReq.InputData["upstream"].(map[string]any)
	if out, _ := upstream["a"].(map[string]any); out["from"] != "a" {
		t.Errorf("upstream = %v", bReq.InputData["upstream"])
	}
	pc, _ := bReq.InputData["project_context"].(map[string]any)
	if pc["name"] != "apollo" {
		t.Errorf("project_context = %v", pc)
	}

	run, err := h.store.GetRun(context.Background(), r.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.RunStatusSucceeded || run.Result == nil {
		t.Errorf("stored run = %+v", run)
	}
}

func TestOrchestrate_InputsAreIsolated(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityCritical), def("b", types.PriorityLow, "a"))
	tracker := health.NewTracker(cat, health.FuncProbe(func(context.Context, *types.GraphDefinition) (health.ProbeResult, error) {
		return health.ProbeResult{Compiled: true, Healthy: true}, nil
	}))

	var seen []map[string]any
	backend := dispatcher.FuncBackend(func(ctx context.Context, req dispatcher.BackendRequest) (*dispatcher.BackendResponse, error) {
		rc, _ := req.InputData["resource_constraints"].(map[string]any)
		seen = append(seen, map[string]any{"cpu": rc["cpu"]})
		rc["cpu"] = "scribbled by " + req.GraphID
		if up, ok := req.InputData["upstream"].(map[string]any); ok {
			if out, _ := up["a"].(map[string]any); out != nil {
				out["from"] = "scribbled"
			}
		}
		return &dispatcher.BackendResponse{Success: true, Result: map[string]any{"from": req.GraphID}}, nil
	})
	o := New(cat, dispatcher.New(cat, backend, tracker))

	constraints := map[string]any{"cpu": "2"}
	r, err := o.Orchestrate(context.Background(), &types.OrchestrationRequest{
		ActiveGraphIDs:      []string{"a", "b"},
		ResourceConstraints: constraints,
	})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if len(seen) != 2 || seen[0]["cpu"] != "2" || seen[1]["cpu"] != "2" {
		t.Errorf("each graph should see the original constraints, got %v", seen)
	}
	if constraints["cpu"] != "2" {
		t.Errorf("request constraints mutated: %v", constraints)
	}
	if a := r.PerGraphResults["a"]; a == nil || a.Result["from"] != "a" {
		t.Errorf("stored output of a mutated downstream: %+v", a)
	}
}

func TestOrchestrate_IndependentBranchesContinue(t *testing.T) {
	// a fails; b depends on a; c is independent
	cat := mustCatalog(t,
		def("a", types.PriorityCritical),
		def("b", types.PriorityHigh, "a"),
		def("c", types.PriorityLow),
	)
	h := newHarness(t, cat, map[string]bool{"a": true})

	r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if !r.PerGraphResults["c"].Success {
		t.Errorf("c should have run: %+v", r.PerGraphResults["c"])
	}
	if r.TotalGraphsExecuted != 2 || r.SuccessfulExecutions != 1 {
		t.Errorf("executed=%d succeeded=%d", r.TotalGraphsExecuted, r.SuccessfulExecutions)
	}
	if r.OrchestrationOutcome["status"] != types.RunStatusPartial {
		t.Errorf("status = %v", r.OrchestrationOutcome["status"])
	}
	assertCounts(t, r, 3)
}

func TestOrchestrate_OutOfSetDependencyIsSatisfied(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityHigh), def("b", types.PriorityHigh, "a"))
	h := newHarness(t, cat, map[string]bool{"a": true})

	r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if !r.PerGraphResults["b"].Success {
		t.Errorf("b = %+v", r.PerGraphResults["b"])
	}
}

func TestOrchestrate_StructuralErrors(t *testing.T) {
	cat := mustCatalog(t,
		def("a", types.PriorityHigh),
		def("x", types.PriorityHigh, "y"),
		def("y", types.PriorityHigh, "x"),
	)

	tests := []struct {
		name   string
		ids    []string
		target error
	}{
		{"unknown ids", []string{"a", "nope", "gone"}, types.ErrGraphNotFound},
		{"cycle", []string{"x", "y"}, types.ErrCycle},
		{"empty", nil, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, cat, nil)
			r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: tt.ids})
			if !errors.Is(err, tt.target) {
				t.Fatalf("err = %v, want %v", err, tt.target)
			}
			if r != nil {
				t.Errorf("expected nil result")
			}
			if len(h.dispatched()) != 0 {
				t.Error("nothing should be dispatched")
			}
			runs, _ := h.store.ListRuns(context.Background(), 0)
			if len(runs) != 0 {
				t.Error("no run should be recorded")
			}
		})
	}

	t.Run("all missing ids listed", func(t *testing.T) {
		h := newHarness(t, cat, nil)
		_, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"nope", "a", "gone"}})
		var uge *types.UnknownGraphError
		if !errors.As(err, &uge) || len(uge.IDs) != 2 {
			t.Errorf("err = %v", err)
		}
	})
}

func TestOrchestrate_Cancellation(t *testing.T) {
	cat := mustCatalog(t,
		def("a", types.PriorityCritical),
		def("b", types.PriorityHigh),
		def("c", types.PriorityLow),
	)
	tracker := health.NewTracker(cat, health.FuncProbe(func(context.Context, *types.GraphDefinition) (health.ProbeResult, error) {
		return health.ProbeResult{Compiled: true, Healthy: true}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var calls []string
	backend := dispatcher.FuncBackend(func(bctx context.Context, req dispatcher.BackendRequest) (*dispatcher.BackendResponse, error) {
		mu.Lock()
		calls = append(calls, req.GraphID)
		mu.Unlock()
		if req.GraphID == "b" {
			cancel()
			<-bctx.Done()
			return nil, bctx.Err()
		}
		return &dispatcher.BackendResponse{Success: true}, nil
	})
	store := runstore.NewMemoryStore(nil)
	o := New(cat, dispatcher.New(cat, backend, tracker), WithRunStore(store))

	r, err := o.Orchestrate(ctx, &types.OrchestrationRequest{ActiveGraphIDs: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if !r.Cancelled {
		t.Error("expected Cancelled")
	}
	if !slices.Equal(calls, []string{"a", "b"}) {
		t.Errorf("dispatched = %v", calls)
	}
	if res := r.PerGraphResults["b"]; res.Success || res.ExecutionComplete {
		t.Errorf("b = %+v", res)
	}
	if res := r.PerGraphResults["c"]; res.Success || res.ErrorMessage != types.CancelledMessage {
		t.Errorf("c = %+v", res)
	}
	if r.TotalGraphsExecuted != 2 || r.SuccessfulExecutions != 1 {
		t.Errorf("executed=%d succeeded=%d", r.TotalGraphsExecuted, r.SuccessfulExecutions)
	}
	if tracker.Snapshot().StatusByGraph["b"] != types.HealthFailed {
		t.Error("cancelled execution must be recorded in health")
	}

	run, err := store.GetRun(context.Background(), r.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.RunStatusCancelled {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestOrchestrate_Events(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityHigh), def("b", types.PriorityHigh, "a"))
	h := newHarness(t, cat, map[string]bool{"a": true})

	r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	events, err := h.store.GetEventsSince(context.Background(), r.RunID, "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	var got []types.EventType
	for _, e := range events {
		got = append(got, e.Type)
	}
	want := []types.EventType{
		types.EventTypePlan,
		types.EventTypeGraphStarted,
		types.EventTypeGraphFailed,
		types.EventTypeGraphSkipped,
		types.EventTypeRunStatus,
	}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestOrchestrate_Archive(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityHigh))
	svc := archive.New(archive.NewMemoryBackend(), "runs/")
	h := newHarness(t, cat, nil, WithArchiver(svc))

	r, err := h.orch.Orchestrate(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"a"}})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	got, err := svc.Fetch(context.Background(), r.RunID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.RunID != r.RunID || got.SuccessfulExecutions != 1 {
		t.Errorf("archived = %+v", got)
	}
}

func TestSubmit(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityHigh), def("b", types.PriorityHigh, "a"))
	h := newHarness(t, cat, nil)

	run, err := h.orch.Submit(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != types.RunStatusQueued {
		t.Errorf("status = %s", run.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.store.GetRun(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != types.RunStatusSucceeded || got.Result == nil {
				t.Errorf("run = %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	t.Run("structural errors are synchronous", func(t *testing.T) {
		if _, err := h.orch.Submit(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"zzz"}}); !errors.Is(err, types.ErrGraphNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("requires a store", func(t *testing.T) {
		o := New(cat, nil)
		if _, err := o.Submit(context.Background(), &types.OrchestrationRequest{ActiveGraphIDs: []string{"a"}}); !errors.Is(err, ErrNoRunStore) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestPlan(t *testing.T) {
	cat := mustCatalog(t, def("a", types.PriorityLow), def("b", types.PriorityCritical))
	o := New(cat, nil)
	p, err := o.Plan(&types.OrchestrationRequest{ActiveGraphIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !slices.Equal(p.ExecutionOrder, []string{"b", "a"}) {
		t.Errorf("order = %v", p.ExecutionOrder)
	}
}
