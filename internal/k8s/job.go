package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const containerName = "graph"

// Job phases reported by GetJobStatus.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	// Image runs the graph runner; it receives the request in env vars
	Image string

	ServiceAccountName string
	ImagePullSecrets   []string

	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	ActiveDeadlineSeconds   *int64
	TTLSecondsAfterFinished *int32
	BackoffLimit            *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	backoff := int32(0) // a failed graph is reported, never retried
	deadline := int64(3600)

	return &JobConfig{
		Image:                   "ghcr.io/flexinfer/graph-runner:latest",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
	}
}

// JobSpec is one graph execution to run in the cluster.
type JobSpec struct {
	ExecutionID   string
	GraphID       string
	InputData     map[string]any
	MaxIterations int
	EnableTracing bool
	Timeout       time.Duration
}

// JobBuilder creates Kubernetes Jobs for graph executions.
type JobBuilder struct {
	config    *JobConfig
	namespace string
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig, namespace string) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg, namespace: namespace}
}

// BuildJob renders spec into a Job. The runner reads GRAPH_ID, GRAPH_INPUT,
// MAX_ITERATIONS and ENABLE_TRACING and prints NDJSON events to stdout.
func (b *JobBuilder) BuildJob(spec JobSpec) (*batchv1.Job, error) {
	if b.config.Image == "" {
		return nil, fmt.Errorf("graph %s: no runner image configured", spec.GraphID)
	}
	if spec.ExecutionID == "" {
		return nil, fmt.Errorf("graph %s: execution id is required", spec.GraphID)
	}

	input, err := json.Marshal(spec.InputData)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	short := spec.ExecutionID
	if len(short) > 8 {
		short = short[:8]
	}
	jobName := sanitizeK8sName(fmt.Sprintf("graph-%s-%s", spec.GraphID, short))

	labels := map[string]string{
		"app.kubernetes.io/name":       "mentatlab-graph",
		"app.kubernetes.io/component":  "graph-runner",
		"app.kubernetes.io/managed-by": "graphd",
		"mentatlab.io/graph-id":        sanitizeK8sLabel(spec.GraphID),
		"mentatlab.io/execution-id":    sanitizeK8sLabel(spec.ExecutionID),
	}

	env := []corev1.EnvVar{
		{Name: "EXECUTION_ID", Value: spec.ExecutionID},
		{Name: "GRAPH_ID", Value: spec.GraphID},
		{Name: "GRAPH_INPUT", Value: string(input)},
		{Name: "MAX_ITERATIONS", Value: strconv.Itoa(spec.MaxIterations)},
		{Name: "ENABLE_TRACING", Value: strconv.FormatBool(spec.EnableTracing)},
	}

	container := corev1.Container{
		Name:  containerName,
		Image: b.config.Image,
		Env:   env,
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
				corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
				corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
			},
		},
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			ReadOnlyRootFilesystem:   boolPtr(true),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(1000),
			FSGroup:      int64Ptr(1000),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// JobStatus is the condensed state of a Job.
type JobStatus struct {
	Phase     string
	Message   string
	StartTime *metav1.Time
	EndTime   *metav1.Time
	Succeeded int32
	Failed    int32
	Active    int32
}

// Done reports whether the Job reached a terminal phase.
func (s *JobStatus) Done() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		StartTime: job.Status.StartTime,
		EndTime:   job.Status.CompletionTime,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
		Active:    job.Status.Active,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = PhaseSucceeded
	case job.Status.Failed > 0:
		status.Phase = PhaseFailed
	case job.Status.Active > 0:
		status.Phase = PhaseRunning
	default:
		status.Phase = PhasePending
	}

	// Conditions win over counters
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = PhaseSucceeded
		case batchv1.JobFailed:
			status.Phase = PhaseFailed
			status.Message = strings.TrimSpace(cond.Reason + ": " + cond.Message)
		}
	}
	return status
}

// WaitForJob polls until the Job is terminal or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, name string, interval time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", name, err)
		}
		if st := GetJobStatus(job); st.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sanitizeK8sName(name string) string {
	// lowercase alphanumerics and dashes, max 63 chars
	var result strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
