package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// BackendRequest is one graph execution handed to a Backend. Defaults have
// already been applied.
type BackendRequest struct {
	ExecutionID   string                 `json:"execution_id"`
	Graph         *types.GraphDefinition `json:"-"`
	GraphID       string                 `json:"graph_id"`
	InputData     map[string]any         `json:"input_data"`
	MaxIterations int                    `json:"max_iterations"`
	EnableTracing bool                   `json:"enable_tracing"`
}

// BackendResponse is what the external execution service reported.
type BackendResponse struct {
	Success      bool           `json:"success"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	// Incomplete marks a graph that stopped before finishing, e.g. one that
	// hit its iteration limit.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Backend runs graphs. Returning an error means the execution could not be
// carried out at all; a graph that ran and failed is a response with
// Success=false.
type Backend interface {
	Run(ctx context.Context, req BackendRequest) (*BackendResponse, error)
}

// FuncBackend adapts a function to Backend.
type FuncBackend func(ctx context.Context, req BackendRequest) (*BackendResponse, error)

// Run implements Backend.
func (f FuncBackend) Run(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	return f(ctx, req)
}

// HTTPBackend posts executions to POST {BaseURL}/graphs/{id}/execute.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPBackend creates an HTTP backend with an instrumented client. Timeouts
// come from the request context.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type httpExecuteResponse struct {
	Success           bool           `json:"success"`
	Result            map[string]any `json:"result"`
	ErrorMessage      string         `json:"error_message"`
	ExecutionComplete *bool          `json:"execution_complete"`
}

// Run implements Backend.
func (b *HTTPBackend) Run(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/graphs/%s/execute", b.BaseURL, url.PathEscape(req.GraphID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Execution-ID", req.ExecutionID)

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", req.GraphID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("execute %s: status %d: %s", req.GraphID, resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 512))
	}

	var out httpExecuteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &BackendResponse{
		Success:      out.Success,
		Result:       out.Result,
		ErrorMessage: out.ErrorMessage,
		Incomplete:   out.ExecutionComplete != nil && !*out.ExecutionComplete,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
