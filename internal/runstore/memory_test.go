package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

func newRequest(ids ...string) *types.OrchestrationRequest {
	return &types.OrchestrationRequest{
		ProjectContext:       types.ProjectContext{Name: "apollo"},
		ActiveGraphIDs:       ids,
		CoordinationStrategy: "matrix_coordination",
	}
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "run-1", newRequest("a", "b"))
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != types.RunStatusQueued {
		t.Errorf("expected queued, got %s", run.Status)
	}
	if run.Project != "apollo" || run.Strategy != "matrix_coordination" {
		t.Errorf("unexpected run: %+v", run)
	}

	t.Run("duplicate id", func(t *testing.T) {
		if _, err := store.CreateRun(ctx, "run-1", newRequest()); !errors.Is(err, ErrRunExists) {
			t.Errorf("expected ErrRunExists, got %v", err)
		}
	})

	t.Run("status transitions set timestamps", func(t *testing.T) {
		if err := store.UpdateRunStatus(ctx, "run-1", types.RunStatusRunning, ""); err != nil {
			t.Fatal(err)
		}
		got, _ := store.GetRun(ctx, "run-1")
		if got.StartedAt == nil || got.FinishedAt != nil {
			t.Errorf("running: started=%v finished=%v", got.StartedAt, got.FinishedAt)
		}

		if err := store.UpdateRunStatus(ctx, "run-1", types.RunStatusPartial, "1 graph skipped"); err != nil {
			t.Fatal(err)
		}
		got, _ = store.GetRun(ctx, "run-1")
		if got.FinishedAt == nil || got.Error != "1 graph skipped" {
			t.Errorf("partial: finished=%v error=%q", got.FinishedAt, got.Error)
		}
	})

	t.Run("result is stored but not listed", func(t *testing.T) {
		res := &types.OrchestrationResult{RunID: "run-1", TotalGraphsExecuted: 2}
		if err := store.SaveResult(ctx, "run-1", res); err != nil {
			t.Fatal(err)
		}
		got, _ := store.GetRun(ctx, "run-1")
		if got.Result == nil || got.Result.TotalGraphsExecuted != 2 {
			t.Errorf("result not stored: %+v", got.Result)
		}
		list, _ := store.ListRuns(ctx, 0)
		if len(list) != 1 || list[0].Result != nil {
			t.Errorf("ListRuns should omit results: %+v", list)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("GetRun: %v", err)
		}
		if err := store.UpdateRunStatus(ctx, "nope", types.RunStatusFailed, ""); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("UpdateRunStatus: %v", err)
		}
		if _, err := store.AppendEvent(ctx, "nope", &types.EventInput{Type: types.EventTypePlan}); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("AppendEvent: %v", err)
		}
	})
}

func TestMemoryStore_ListRuns(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if _, err := store.CreateRun(ctx, id, newRequest()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "third" || runs[1].ID != "second" {
		t.Errorf("expected newest first, got %v, %v", runs[0].ID, runs[1].ID)
	}
}

func TestMemoryStore_Events(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 3})
	ctx := context.Background()
	if _, err := store.CreateRun(ctx, "r", newRequest("a")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		evt, err := store.AppendEvent(ctx, "r", &types.EventInput{
			Type:    types.EventTypeGraphStarted,
			GraphID: "a",
			Data:    types.GraphEvent{Position: i + 1, Total: 5},
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if evt.Timestamp.IsZero() || evt.ID == "" {
			t.Errorf("event not stamped: %+v", evt)
		}
	}

	t.Run("ring buffer keeps the newest", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, "r", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 3 || events[0].ID != "3" || events[2].ID != "5" {
			t.Errorf("unexpected events: %d first=%s", len(events), events[0].ID)
		}
	})

	t.Run("since is exclusive", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, "r", "4")
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].ID != "5" {
			t.Errorf("unexpected events: %+v", events)
		}
	})

	t.Run("since an evicted id still returns newer events", func(t *testing.T) {
		events, _ := store.GetEventsSince(ctx, "r", "1")
		if len(events) != 3 {
			t.Errorf("expected 3 events, got %d", len(events))
		}
	})

	t.Run("bad id", func(t *testing.T) {
		if _, err := store.GetEventsSince(ctx, "r", "abc"); err == nil {
			t.Error("expected error for non-numeric id")
		}
	})
}

func TestMemoryStore_Subscribe(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	if _, err := store.CreateRun(ctx, "r", newRequest("a")); err != nil {
		t.Fatal(err)
	}

	ch, cleanup, err := store.Subscribe(ctx, "r")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := store.AppendEvent(ctx, "r", &types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: types.RunStatusRunning}}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Type != types.EventTypeRunStatus {
			t.Errorf("unexpected event type %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cleanup()
	cleanup() // idempotent
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cleanup")
	}

	// Appending after cleanup must not panic
	if _, err := store.AppendEvent(ctx, "r", &types.EventInput{Type: types.EventTypePlan}); err != nil {
		t.Fatal(err)
	}
}
