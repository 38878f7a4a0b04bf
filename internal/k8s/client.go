// Package k8s runs graph executions as Kubernetes Jobs.
package k8s

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps a clientset scoped to one namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// Config holds K8s client configuration.
type Config struct {
	// InCluster indicates whether to use in-cluster config
	InCluster bool

	// Kubeconfig path (used when not in-cluster)
	Kubeconfig string

	// Namespace for graph jobs
	Namespace string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return &Config{
		Kubeconfig: kubeconfig,
		Namespace:  "mentatlab",
	}
}

// NewClient builds a client from in-cluster config or a kubeconfig file.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var restConfig *rest.Config
	var err error
	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = DefaultConfig().Kubeconfig
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientFromInterface(clientset, cfg.Namespace), nil
}

// NewClientFromInterface wraps an existing clientset, e.g. a fake in tests.
func NewClientFromInterface(cs kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = "mentatlab"
	}
	return &Client{clientset: cs, namespace: namespace}
}

// Namespace returns the configured namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// CreateJob creates a Job in the configured namespace.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
}

// GetJob retrieves a Job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

// DeleteJob deletes a Job and, in the background, its pods.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	return c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

// JobLogs returns the logs of the most recently created pod of a Job.
func (c *Client) JobLogs(ctx context.Context, jobName string) ([]byte, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("job %s has no pods", jobName)
	}

	latest := pods.Items[0]
	for _, p := range pods.Items[1:] {
		if p.CreationTimestamp.After(latest.CreationTimestamp.Time) {
			latest = p
		}
	}

	raw, err := c.clientset.CoreV1().Pods(c.namespace).
		GetLogs(latest.Name, &corev1.PodLogOptions{Container: containerName}).
		DoRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("pod logs %s: %w", latest.Name, err)
	}
	return bytes.TrimSpace(raw), nil
}

// HealthCheck verifies connectivity to the K8s API.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}
