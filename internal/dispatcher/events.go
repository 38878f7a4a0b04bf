package dispatcher

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
)

// Runner event types read from a graph runner's stdout, one JSON object per
// line.
const (
	runnerEventResult = "result"
	runnerEventError  = "error"
	runnerEventLog    = "log"
)

type runnerEvent struct {
	Type              string         `json:"type"`
	Success           *bool          `json:"success,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Message           string         `json:"message,omitempty"`
	Level             string         `json:"level,omitempty"`
	ExecutionComplete *bool          `json:"execution_complete,omitempty"`
}

// runnerOutput collects what a runner printed.
type runnerOutput struct {
	result    *runnerEvent
	lastError string
}

// response turns the last result event into a BackendResponse. It returns nil
// when the runner never reported a result.
func (o *runnerOutput) response() *BackendResponse {
	if o.result == nil {
		return nil
	}
	resp := &BackendResponse{
		Success:      o.result.Success == nil || *o.result.Success,
		Result:       o.result.Result,
		ErrorMessage: o.result.Message,
		Incomplete:   o.result.ExecutionComplete != nil && !*o.result.ExecutionComplete,
	}
	if !resp.Success && resp.ErrorMessage == "" {
		resp.ErrorMessage = o.lastError
	}
	return resp
}

// readRunnerEvents consumes NDJSON from r. Lines that are not JSON are logged
// as plain output.
func readRunnerEvents(r io.Reader, logger *slog.Logger, graphID string) (*runnerOutput, error) {
	out := &runnerOutput{}
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev runnerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Debug("runner output", "graph_id", graphID, "line", string(line))
			continue
		}
		switch ev.Type {
		case runnerEventResult:
			e := ev
			out.result = &e
		case runnerEventError:
			out.lastError = ev.Message
			logger.Warn("runner error", "graph_id", graphID, "message", ev.Message)
		case runnerEventLog, "":
			logger.Debug("runner log", "graph_id", graphID, "level", ev.Level, "message", ev.Message)
		}
	}
	return out, scanner.Err()
}
