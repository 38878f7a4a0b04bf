package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flexinfer/mentatlab/services/graphd/internal/archive"
	"github.com/flexinfer/mentatlab/services/graphd/internal/catalog"
	"github.com/flexinfer/mentatlab/services/graphd/internal/config"
	"github.com/flexinfer/mentatlab/services/graphd/internal/dispatcher"
	"github.com/flexinfer/mentatlab/services/graphd/internal/health"
	"github.com/flexinfer/mentatlab/services/graphd/internal/metadata"
	"github.com/flexinfer/mentatlab/services/graphd/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/graphd/internal/runstore"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

type testEnv struct {
	handler http.Handler
	store   *runstore.MemoryStore
	archive *archive.Service
	tracker *health.Tracker
}

func newTestEnv(t *testing.T, extra ...*types.GraphDefinition) *testEnv {
	t.Helper()
	defs := []*types.GraphDefinition{
		{ID: "alpha", Name: "Alpha", Category: types.CategoryAnalysis, Priority: types.PriorityCritical, EstimatedDuration: "5 minutes"},
		{ID: "beta", Name: "Beta", Category: types.CategoryPlanning, Priority: types.PriorityHigh, Dependencies: []string{"alpha"}},
		{ID: "broken", Name: "Broken", Category: types.CategoryQuality, Priority: types.PriorityLow},
	}
	cat, err := catalog.New(append(defs, extra...))
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	tracker := health.NewTracker(cat, health.FuncProbe(func(context.Context, *types.GraphDefinition) (health.ProbeResult, error) {
		return health.ProbeResult{Compiled: true, Healthy: true}, nil
	}), health.WithLogger(logger))

	backend := dispatcher.FuncBackend(func(ctx context.Context, req dispatcher.BackendRequest) (*dispatcher.BackendResponse, error) {
		if req.GraphID == "broken" {
			return &dispatcher.BackendResponse{Success: false, ErrorMessage: "compile error"}, nil
		}
		return &dispatcher.BackendResponse{Success: true, Result: map[string]any{"graph": req.GraphID}}, nil
	})
	disp := dispatcher.New(cat, backend, tracker, dispatcher.WithLogger(logger))

	store := runstore.NewMemoryStore(nil)
	arch := archive.New(archive.NewMemoryBackend(), "runs/")
	orch := orchestrator.New(cat, disp,
		orchestrator.WithRunStore(store),
		orchestrator.WithArchiver(arch),
		orchestrator.WithLogger(logger),
	)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	h := NewHandlers(Deps{
		Catalog:      cat,
		Health:       tracker,
		Executor:     disp,
		Orchestrator: orch,
		Metadata:     metadata.New(cat),
		Store:        store,
		Archive:      arch,
	}, &config.Config{CORSOrigins: []string{"http://localhost:5173"}}, logger)

	return &testEnv{handler: NewServer(h).Router(), store: store, archive: arch, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path, "")
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, body = %s", rec.Code, rec.Body)
			}
		})
	}

	t.Run("metrics", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestListGraphs(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/graphs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[GraphListResponse](t, rec)
	if len(resp.Graphs) != 3 || resp.Health == nil || resp.Health.TotalGraphs != 3 {
		t.Errorf("resp = %+v", resp)
	}
	want := []string{"alpha", "beta", "broken"}
	if strings.Join(resp.ExecutionOrder, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", resp.ExecutionOrder, want)
	}
}

func TestListGraphs_CyclicCatalog(t *testing.T) {
	env := newTestEnv(t,
		&types.GraphDefinition{ID: "x", Name: "X", Category: types.CategoryResearch, Priority: types.PriorityLow, Dependencies: []string{"y"}},
		&types.GraphDefinition{ID: "y", Name: "Y", Category: types.CategoryResearch, Priority: types.PriorityLow, Dependencies: []string{"x"}},
	)
	rec := env.do(t, http.MethodGet, "/api/v1/graphs", "")
	resp := decode[GraphListResponse](t, rec)
	if rec.Code != http.StatusOK || resp.OrderError == "" || resp.ExecutionOrder != nil {
		t.Errorf("status=%d resp=%+v", rec.Code, resp)
	}
}

func TestGetGraphAndMetadata(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/graphs/beta", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	view := decode[map[string]any](t, rec)
	if view["id"] != "beta" || view["health"] != string(types.HealthUnknown) {
		t.Errorf("view = %v", view)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/graphs/beta/metadata", "")
	def := decode[types.GraphDefinition](t, rec)
	if def.ID != "beta" || len(def.Dependencies) != 1 {
		t.Errorf("def = %+v", def)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/graphs/nope/metadata", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	errResp := decode[ErrorResponse](t, rec)
	if errResp.Error != ErrCodeNotFound || errResp.RequestID == "" {
		t.Errorf("error = %+v", errResp)
	}
}

func TestExecuteGraph(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		success bool
	}{
		{"success", "/api/v1/graphs/alpha/execute", `{"input_data":{"x":1}}`, http.StatusOK, true},
		{"empty body", "/api/v1/graphs/alpha/execute", ``, http.StatusOK, true},
		{"failure is data", "/api/v1/graphs/broken/execute", `{}`, http.StatusOK, false},
		{"unknown graph", "/api/v1/graphs/nope/execute", `{}`, http.StatusNotFound, false},
		{"bad iterations", "/api/v1/graphs/alpha/execute", `{"max_iterations":0}`, http.StatusBadRequest, false},
		{"malformed body", "/api/v1/graphs/alpha/execute", `{`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.status == http.StatusOK {
				res := decode[types.ExecutionResult](t, rec)
				if res.Success != tt.success {
					t.Errorf("success = %v", res.Success)
				}
			}
		})
	}

	if s := env.tracker.Snapshot(); s.StatusByGraph["broken"] != types.HealthFailed || s.StatusByGraph["alpha"] != types.HealthHealthy {
		t.Errorf("health = %v", s.StatusByGraph)
	}
}

func TestHealthSnapshotAndRefresh(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/graphs/health/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}
	snap := decode[types.GraphHealthStatus](t, rec)
	if !snap.Refreshed || snap.HealthyGraphs != 3 {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/graphs/health", "")
	snap = decode[types.GraphHealthStatus](t, rec)
	if snap.HealthyGraphs != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestOrchestrations(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/orchestrations",
		`{"project_context":{"name":"apollo"},"active_graph_ids":["beta","alpha"],"coordination_strategy":"matrix_coordination"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	res := decode[types.OrchestrationResult](t, rec)
	if res.TotalGraphsExecuted != 2 || res.SuccessfulExecutions != 2 {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(res.CoordinationPlan.ExecutionOrder, ",") != "alpha,beta" {
		t.Errorf("order = %v", res.CoordinationPlan.ExecutionOrder)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orchestrations/"+res.RunID, "")
	run := decode[types.Run](t, rec)
	if rec.Code != http.StatusOK || run.Status != types.RunStatusSucceeded || run.Result == nil {
		t.Errorf("run = %+v", run)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orchestrations?limit=10", "")
	list := decode[map[string][]types.Run](t, rec)
	if len(list["runs"]) != 1 {
		t.Errorf("runs = %v", list)
	}

	t.Run("structural errors", func(t *testing.T) {
		cases := map[string]int{
			`{"active_graph_ids":["nope","gone"]}`: http.StatusNotFound,
			`{"active_graph_ids":[]}`:              http.StatusBadRequest,
		}
		for body, want := range cases {
			if rec := env.do(t, http.MethodPost, "/api/v1/orchestrations", body); rec.Code != want {
				t.Errorf("%s: status = %d, want %d", body, rec.Code, want)
			}
		}
	})

	t.Run("archive fallback", func(t *testing.T) {
		archived := &types.OrchestrationResult{RunID: "old-run", SuccessfulExecutions: 1}
		if _, err := env.archive.Archive(context.Background(), archived); err != nil {
			t.Fatalf("Archive: %v", err)
		}
		rec := env.do(t, http.MethodGet, "/api/v1/orchestrations/old-run", "")
		got := decode[ArchivedRun](t, rec)
		if rec.Code != http.StatusOK || !got.Archived || got.Result.RunID != "old-run" {
			t.Errorf("status=%d got=%+v", rec.Code, got)
		}

		if rec := env.do(t, http.MethodGet, "/api/v1/orchestrations/missing", ""); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("plan", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/orchestrations/plan", `{"active_graph_ids":["beta","alpha"]}`)
		plan := decode[types.CoordinationPlan](t, rec)
		if strings.Join(plan.ExecutionOrder, ",") != "alpha,beta" {
			t.Errorf("plan = %+v", plan)
		}
	})
}

func TestOrchestrations_Cycle(t *testing.T) {
	env := newTestEnv(t,
		&types.GraphDefinition{ID: "x", Name: "X", Category: types.CategoryResearch, Priority: types.PriorityLow, Dependencies: []string{"y"}},
		&types.GraphDefinition{ID: "y", Name: "Y", Category: types.CategoryResearch, Priority: types.PriorityLow, Dependencies: []string{"x"}},
	)
	rec := env.do(t, http.MethodPost, "/api/v1/orchestrations", `{"active_graph_ids":["x","y"]}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	errResp := decode[ErrorResponse](t, rec)
	if errResp.Error != ErrCodeConflict || errResp.Details["cycle"] == nil {
		t.Errorf("error = %+v", errResp)
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/orchestrations?async=true", "application/json",
		strings.NewReader(`{"active_graph_ids":["alpha","beta","broken"]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created CreateOrchestrationResponse
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || created.RunID == "" {
		t.Fatalf("status = %d, created = %+v", resp.StatusCode, created)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+created.SSEURL, nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var names []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 || names[0] != "plan" || names[len(names)-1] != "run_status" {
		t.Errorf("events = %v", names)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/orchestrations/nope/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/graphs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/graphs", "")
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/graphs", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// other clients have their own budget
	req := httptest.NewRequest(http.MethodGet, "/api/v1/graphs", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second client: status = %d", rec.Code)
	}
}

func TestStreamEventsWS(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/orchestrations", `{"active_graph_ids":["alpha","broken"]}`)
	res := decode[types.OrchestrationResult](t, rec)
	if rec.Code != http.StatusOK || res.RunID == "" {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/orchestrations/" + res.RunID + "/ws"

	t.Run("replays the finished run", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer ws.Close()
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))

		var got []types.Event
		for {
			var evt types.Event
			if err := ws.ReadJSON(&evt); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.Fatalf("ReadJSON: %v", err)
				}
				break
			}
			got = append(got, evt)
		}
		if len(got) == 0 || got[0].Type != types.EventTypePlan || got[len(got)-1].Type != types.EventTypeRunStatus {
			t.Errorf("events = %+v", got)
		}
	})

	t.Run("resumes after last_event_id", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?last_event_id=1", nil)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer ws.Close()
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))

		var first types.Event
		if err := ws.ReadJSON(&first); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if first.ID != "2" {
			t.Errorf("first event id = %s, want 2", first.ID)
		}
	})

	t.Run("rejects foreign origins", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err == nil {
			t.Fatal("expected dial to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, res.RunID, "nope", 1), nil)
		if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("err = %v, resp = %+v", err, resp)
		}
	})
}
