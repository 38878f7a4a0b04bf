package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/graphd/internal/validator"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

func graph(id string, deps ...string) *types.GraphDefinition {
	return &types.GraphDefinition{
		ID:           id,
		Name:         strings.ToUpper(id),
		Category:     types.CategoryAnalysis,
		Priority:     types.PriorityMedium,
		Dependencies: deps,
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("loads default catalog", func(t *testing.T) {
		c, err := Load(ctx, NewStaticSource())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if c.Len() != len(DefaultGraphs()) {
			t.Errorf("expected %d graphs, got %d", len(DefaultGraphs()), c.Len())
		}
	})

	t.Run("rejects invalid catalogs", func(t *testing.T) {
		tests := []struct {
			name string
			defs []*types.GraphDefinition
			want string
		}{
			{"duplicate id", []*types.GraphDefinition{graph("a"), graph("a")}, "duplicate"},
			{"dangling dependency", []*types.GraphDefinition{graph("a", "ghost")}, "ghost"},
			{"empty id", []*types.GraphDefinition{graph("")}, "empty id"},
			{"reserved id", []*types.GraphDefinition{graph("health")}, "reserved"},
			{"bad category", []*types.GraphDefinition{{ID: "a", Category: "sales", Priority: types.PriorityLow}}, "category"},
			{"bad priority", []*types.GraphDefinition{{ID: "a", Category: types.CategoryQuality, Priority: "urgent"}}, "priority"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Load(ctx, NewStaticSource(tt.defs...))
				var loadErr *types.CatalogLoadError
				if !errors.As(err, &loadErr) {
					t.Fatalf("expected CatalogLoadError, got %v", err)
				}
				if !errors.Is(err, types.ErrCatalogLoad) {
					t.Error("error should match ErrCatalogLoad")
				}
				if !strings.Contains(err.Error(), tt.want) {
					t.Errorf("error %q should mention %q", err, tt.want)
				}
			})
		}
	})

	t.Run("cycles are left to the resolver", func(t *testing.T) {
		if _, err := New([]*types.GraphDefinition{graph("a", "b"), graph("b", "a")}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestCatalog_Get(t *testing.T) {
	c, err := New([]*types.GraphDefinition{graph("b", "a"), graph("a")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("returns a copy", func(t *testing.T) {
		def, err := c.Get("b")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		def.Dependencies[0] = "mutated"
		def.Name = "mutated"

		again, _ := c.Get("b")
		if again.Dependencies[0] != "a" || again.Name != "B" {
			t.Errorf("catalog state was mutated through a returned copy: %+v", again)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := c.Get("zzz")
		if !errors.Is(err, types.ErrGraphNotFound) {
			t.Errorf("expected ErrGraphNotFound, got %v", err)
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		list := c.List()
		if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
			t.Errorf("unexpected order: %v", c.IDs())
		}
	})

	t.Run("missing reports every absent id once", func(t *testing.T) {
		got := c.Missing([]string{"x", "a", "y", "x"})
		if len(got) != 2 || got[0] != "x" || got[1] != "y" {
			t.Errorf("Missing = %v", got)
		}
	})
}

func TestFileSource(t *testing.T) {
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New failed: %v", err)
	}
	dir := t.TempDir()
	ctx := context.Background()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	t.Run("yaml with input schema", func(t *testing.T) {
		p := write("graphs.yaml", `
version: 1
graphs:
  - id: intake
    name: Intake
    category: analysis
    priority: critical
    node_count: 3
    input_schema:
      type: object
      required: [project]
  - id: plan
    name: Plan
    category: planning
    priority: high
    dependencies: [intake]
    estimated_duration: 5-10 minutes
`)
		c, err := Load(ctx, NewFileSource(p, v))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		intake, _ := c.Get("intake")
		if intake.NodeCount != 3 {
			t.Errorf("NodeCount = %d", intake.NodeCount)
		}
		if !strings.Contains(string(intake.InputSchema), `"required"`) {
			t.Errorf("input schema not carried over: %s", intake.InputSchema)
		}
		plan, _ := c.Get("plan")
		if len(plan.Dependencies) != 1 || plan.Dependencies[0] != "intake" {
			t.Errorf("Dependencies = %v", plan.Dependencies)
		}
	})

	t.Run("json", func(t *testing.T) {
		p := write("graphs.json", `{"graphs":[{"id":"solo","name":"Solo","category":"quality","priority":"low"}]}`)
		c, err := Load(ctx, NewFileSource(p, v))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if c.Len() != 1 {
			t.Errorf("Len = %d", c.Len())
		}
	})

	t.Run("schema violation", func(t *testing.T) {
		p := write("bad.yaml", "graphs:\n  - id: x\n    name: X\n    category: sales\n    priority: low\n")
		_, err := Load(ctx, NewFileSource(p, v))
		if !errors.Is(err, types.ErrCatalogLoad) {
			t.Errorf("expected ErrCatalogLoad, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(ctx, NewFileSource(filepath.Join(dir, "nope.yaml"), v))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected not-exist error, got %v", err)
		}
	})
}
