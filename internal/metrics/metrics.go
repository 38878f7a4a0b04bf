// Package metrics provides Prometheus metrics for the graph service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrchestrationsTotal counts orchestration runs by outcome.
	OrchestrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "orchestrations_total",
			Help:      "Total number of orchestration runs by outcome",
		},
		[]string{"status"}, // "succeeded", "partial", "failed", "cancelled"
	)

	// OrchestrationsActive tracks currently running orchestrations.
	OrchestrationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "orchestrations_active",
			Help:      "Number of orchestration runs in progress",
		},
	)

	// OrchestrationDuration tracks orchestration wall time.
	OrchestrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "orchestration_duration_seconds",
			Help:      "Orchestration run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// ExecutionsTotal counts graph executions by graph and status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "executions_total",
			Help:      "Total number of graph executions by status",
		},
		[]string{"graph", "status"}, // "succeeded", "failed", "skipped", "rejected"
	)

	// ExecutionDuration tracks graph execution duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "execution_duration_seconds",
			Help:      "Graph execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"graph", "status"},
	)

	// GraphsTotal is the catalog size seen by the last health snapshot.
	GraphsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "graphs_total",
			Help:      "Number of graphs in the catalog",
		},
	)

	// GraphsHealthy is the number of graphs currently healthy.
	GraphsHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "graphs_healthy",
			Help:      "Number of graphs currently healthy",
		},
	)

	// GraphsCompiled is the number of graphs whose last probe compiled.
	GraphsCompiled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "graphs_compiled",
			Help:      "Number of graphs that compiled on the last probe",
		},
	)

	// GraphHealthy is 1 for a healthy graph and 0 otherwise.
	GraphHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "graph_healthy",
			Help:      "Per-graph health (1 healthy, 0 failed or unknown)",
		},
		[]string{"graph"},
	)

	// GraphConsecutiveFailures tracks consecutive failed executions per graph.
	GraphConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "graph_consecutive_failures",
			Help:      "Consecutive failed executions per graph",
		},
		[]string{"graph"},
	)

	// HealthRefreshTotal counts health refreshes by result.
	HealthRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "health_refresh_total",
			Help:      "Total number of health refreshes",
		},
		[]string{"result"}, // "applied", "stale", "skipped", "cancelled"
	)

	// HealthRefreshDuration tracks how long a full probe batch takes.
	HealthRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "health_refresh_duration_seconds",
			Help:      "Health refresh duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// EventsTotal counts run events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "events_total",
			Help:      "Total number of run events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// K8sJobsTotal counts K8s jobs by status.
	K8sJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "k8s_jobs_total",
			Help:      "Total number of K8s jobs created",
		},
		[]string{"status"},
	)

	// K8sJobDuration tracks K8s job duration.
	K8sJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "k8s_job_duration_seconds",
			Help:      "K8s job execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "runstore_operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"},
	)

	// ArchiveUploads counts result archive uploads.
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "graphd",
			Name:      "archive_uploads_total",
			Help:      "Total number of orchestration results archived",
		},
		[]string{"result"},
	)
)
