package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

func TestToolProbe(t *testing.T) {
	p := &ToolProbe{
		Available: []string{"web_search"},
		LookPath: func(name string) (string, error) {
			if name == "git" {
				return "/usr/bin/git", nil
			}
			return "", errors.New("not found")
		},
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		tools   []string
		healthy bool
	}{
		{"no tools", nil, true},
		{"declared tool", []string{"web_search"}, true},
		{"tool on path", []string{"git", "web_search"}, true},
		{"missing tool", []string{"web_search", "calendar"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Probe(ctx, &types.GraphDefinition{ID: "g", RequiredTools: tt.tools})
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}
			if !res.Compiled {
				t.Error("definitions should always count as compiled")
			}
			if res.Healthy != tt.healthy {
				t.Errorf("Healthy = %v, want %v (%s)", res.Healthy, tt.healthy, res.Message)
			}
			if !tt.healthy && !strings.Contains(res.Message, "calendar") {
				t.Errorf("message should name the missing tool: %q", res.Message)
			}
		})
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/graphs/good/health":
			w.Write([]byte(`{"compiled":true,"healthy":true}`))
		case "/graphs/broken/health":
			w.Write([]byte(`{"compiled":false,"healthy":false,"message":"missing node"}`))
		default:
			http.Error(w, "no such graph", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.URL + "/")
	ctx := context.Background()

	res, err := p.Probe(ctx, &types.GraphDefinition{ID: "good"})
	if err != nil || !res.Healthy || !res.Compiled {
		t.Errorf("good: %+v, %v", res, err)
	}

	res, err = p.Probe(ctx, &types.GraphDefinition{ID: "broken"})
	if err != nil || res.Compiled || res.Message != "missing node" {
		t.Errorf("broken: %+v, %v", res, err)
	}

	if _, err := p.Probe(ctx, &types.GraphDefinition{ID: "ghost"}); err == nil {
		t.Error("expected error for non-2xx response")
	}
}
