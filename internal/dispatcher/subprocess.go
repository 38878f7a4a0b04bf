package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// SubprocessBackend runs a local command per execution. The request is
// written to stdin as JSON and the runner reports NDJSON events on stdout;
// the last "result" event is the payload.
type SubprocessBackend struct {
	command []string
	env     map[string]string
	dir     string
	logger  *slog.Logger
}

// SubprocessConfig holds configuration for the subprocess backend.
type SubprocessConfig struct {
	// Command and arguments; GRAPH_ID and friends are added to its environment
	Command []string

	// Env is passed to every runner on top of the inherited environment
	Env map[string]string

	// Dir is the working directory (empty = inherit)
	Dir string

	Logger *slog.Logger
}

// NewSubprocessBackend creates a subprocess backend.
func NewSubprocessBackend(cfg SubprocessConfig) (*SubprocessBackend, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("subprocess backend: empty command")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessBackend{
		command: cfg.Command,
		env:     cfg.Env,
		dir:     cfg.Dir,
		logger:  logger,
	}, nil
}

// Run implements Backend.
func (b *SubprocessBackend) Run(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range b.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"EXECUTION_ID="+req.ExecutionID,
		"GRAPH_ID="+req.GraphID,
		"MAX_ITERATIONS="+strconv.Itoa(req.MaxIterations),
		"ENABLE_TRACING="+strconv.FormatBool(req.EnableTracing),
	)
	if b.dir != "" {
		cmd.Dir = b.dir
	}
	cmd.Stdin = bytes.NewReader(input)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", b.command[0], err)
	}

	var (
		wg       sync.WaitGroup
		out      *runnerOutput
		readErr  error
		lastLine string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		out, readErr = readRunnerEvents(stdout, b.logger, req.GraphID)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lastLine = line
				b.logger.Debug("runner stderr", "graph_id", req.GraphID, "line", line)
			}
		}
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if readErr != nil {
		return nil, fmt.Errorf("read runner output: %w", readErr)
	}

	resp := out.response()
	if waitErr != nil {
		msg := waitErr.Error()
		switch {
		case resp != nil && resp.ErrorMessage != "":
			msg = resp.ErrorMessage
		case out.lastError != "":
			msg = out.lastError
		case lastLine != "":
			msg = fmt.Sprintf("%s: %s", waitErr, lastLine)
		}
		if resp == nil {
			resp = &BackendResponse{}
		}
		resp.Success = false
		resp.ErrorMessage = msg
		return resp, nil
	}
	if resp == nil {
		return &BackendResponse{Success: false, ErrorMessage: "runner exited without a result"}, nil
	}
	return resp, nil
}
