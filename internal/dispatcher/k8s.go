package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/internal/k8s"
	"github.com/flexinfer/mentatlab/services/graphd/internal/metrics"
)

// K8sBackend runs each execution as a Kubernetes Job and reads the result
// from the runner pod's NDJSON logs.
type K8sBackend struct {
	client       *k8s.Client
	builder      *k8s.JobBuilder
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewK8sBackend creates a K8s backend.
func NewK8sBackend(client *k8s.Client, builder *k8s.JobBuilder, logger *slog.Logger) *K8sBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &K8sBackend{
		client:       client,
		builder:      builder,
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

// Run implements Backend. The Job is deleted if ctx ends first.
func (b *K8sBackend) Run(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	spec := k8s.JobSpec{
		ExecutionID:   req.ExecutionID,
		GraphID:       req.GraphID,
		InputData:     req.InputData,
		MaxIterations: req.MaxIterations,
		EnableTracing: req.EnableTracing,
	}
	if deadline, ok := ctx.Deadline(); ok {
		spec.Timeout = time.Until(deadline)
	}

	job, err := b.builder.BuildJob(spec)
	if err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}
	created, err := b.client.CreateJob(ctx, job)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("create_failed").Inc()
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.K8sJobsTotal.WithLabelValues("created").Inc()
	b.logger.Info("graph job created", "graph_id", req.GraphID, "job", created.Name)

	start := time.Now()
	status, err := b.client.WaitForJob(ctx, created.Name, b.pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			// ctx is gone; cleanup needs its own
			delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if derr := b.client.DeleteJob(delCtx, created.Name); derr != nil {
				b.logger.Warn("delete cancelled job failed", "job", created.Name, "error", derr)
			}
			metrics.K8sJobsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		return nil, err
	}
	metrics.K8sJobsTotal.WithLabelValues(status.Phase).Inc()
	metrics.K8sJobDuration.WithLabelValues(status.Phase).Observe(time.Since(start).Seconds())

	var resp *BackendResponse
	logs, err := b.client.JobLogs(ctx, created.Name)
	if err != nil {
		b.logger.Warn("read job logs failed", "job", created.Name, "error", err)
	} else {
		out, rerr := readRunnerEvents(bytes.NewReader(logs), b.logger, req.GraphID)
		if rerr != nil {
			b.logger.Warn("parse job logs failed", "job", created.Name, "error", rerr)
		}
		if out != nil {
			resp = out.response()
		}
	}

	if status.Phase == k8s.PhaseFailed {
		msg := status.Message
		if resp != nil && resp.ErrorMessage != "" {
			msg = resp.ErrorMessage
		}
		if msg == "" {
			msg = "job failed"
		}
		return &BackendResponse{Success: false, ErrorMessage: msg}, nil
	}
	if resp == nil {
		resp = &BackendResponse{Success: true}
	}
	return resp, nil
}
