package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// ProbeResult is what a health probe reports for one graph.
type ProbeResult struct {
	Compiled bool   `json:"compiled"`
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message,omitempty"`
}

// Probe checks whether a graph can currently run.
type Probe interface {
	Probe(ctx context.Context, def *types.GraphDefinition) (ProbeResult, error)
}

// FuncProbe adapts a function to Probe.
type FuncProbe func(ctx context.Context, def *types.GraphDefinition) (ProbeResult, error)

// Probe implements Probe.
func (f FuncProbe) Probe(ctx context.Context, def *types.GraphDefinition) (ProbeResult, error) {
	return f(ctx, def)
}

// ToolProbe reports a graph healthy when each of its required tools is either
// declared available or resolvable as an executable on PATH. A loaded
// definition always counts as compiled.
type ToolProbe struct {
	Available []string
	LookPath  func(string) (string, error)
}

// NewToolProbe creates a tool probe over the declared tool list.
func NewToolProbe(available []string) *ToolProbe {
	return &ToolProbe{Available: available, LookPath: exec.LookPath}
}

// Probe implements Probe.
func (p *ToolProbe) Probe(ctx context.Context, def *types.GraphDefinition) (ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}

	var missing []string
	for _, tool := range def.RequiredTools {
		if slices.Contains(p.Available, tool) {
			continue
		}
		if p.LookPath != nil {
			if _, err := p.LookPath(tool); err == nil {
				continue
			}
		}
		missing = append(missing, tool)
	}

	if len(missing) > 0 {
		return ProbeResult{
			Compiled: true,
			Healthy:  false,
			Message:  "missing tools: " + strings.Join(missing, ", "),
		}, nil
	}
	return ProbeResult{Compiled: true, Healthy: true}, nil
}

// HTTPProbe asks the execution service for graph health at
// GET {BaseURL}/graphs/{id}/health and expects a ProbeResult JSON body.
type HTTPProbe struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProbe creates an HTTP probe with an instrumented client.
func NewHTTPProbe(baseURL string) *HTTPProbe {
	return &HTTPProbe{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Probe implements Probe.
func (p *HTTPProbe) Probe(ctx context.Context, def *types.GraphDefinition) (ProbeResult, error) {
	endpoint := fmt.Sprintf("%s/graphs/%s/health", p.BaseURL, url.PathEscape(def.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", def.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("read probe response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{}, fmt.Errorf("probe %s: status %d: %s", def.ID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res ProbeResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ProbeResult{}, fmt.Errorf("decode probe response: %w", err)
	}
	return res, nil
}
