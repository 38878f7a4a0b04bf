// Package config provides configuration loading for the graph service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the graph service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Catalog configuration
	CatalogSource string // "static", "file" or "redis"
	CatalogFile   string
	CatalogKey    string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory", "redis" or "sqlite"
	SQLitePath   string
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// Health tracking
	HealthInterval         time.Duration
	HealthProbeTimeout     time.Duration
	HealthProbeConcurrency int
	HealthProbe            string // "tools" or "http"
	HealthProbeURL         string
	HealthTools            []string
	HealthPublish          bool
	HealthChannel          string

	// Execution backend
	ExecBackend    string // "http", "subprocess" or "k8s"
	ExecBackendURL string
	ExecTimeout    time.Duration
	ExecCommand    string

	// K8s configuration
	K8sNamespace  string
	K8sInCluster  bool
	K8sKubeconfig string
	K8sImage      string

	// Result archive
	ArchiveEnabled    bool
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Prefix          string

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0), // execute calls can run for minutes
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Catalog
		CatalogSource: getEnv("CATALOG_SOURCE", "static"),
		CatalogFile:   getEnv("CATALOG_FILE", "graphs.yaml"),
		CatalogKey:    getEnv("CATALOG_REDIS_KEY", "graphd:catalog"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("RUNSTORE", "memory"),
		SQLitePath:   getEnv("RUNSTORE_SQLITE_PATH", "graphd.db"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// Health
		HealthInterval:         getDuration("HEALTH_INTERVAL", 30*time.Second),
		HealthProbeTimeout:     getDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		HealthProbeConcurrency: getInt("HEALTH_PROBE_CONCURRENCY", 8),
		HealthProbe:            getEnv("HEALTH_PROBE", "tools"),
		HealthProbeURL:         getEnv("HEALTH_PROBE_URL", ""),
		HealthTools:            getStringSlice("HEALTH_AVAILABLE_TOOLS", []string{"document_parser", "risk_matrix", "web_search", "code_analyzer", "calendar"}),
		HealthPublish:          getBool("HEALTH_PUBLISH", false),
		HealthChannel:          getEnv("HEALTH_CHANNEL", "graphd:health"),

		// Execution
		ExecBackend:    getEnv("EXEC_BACKEND", "http"),
		ExecBackendURL: getEnv("EXEC_BACKEND_URL", "http://localhost:8000"),
		ExecTimeout:    getDuration("EXEC_TIMEOUT", 30*time.Minute),
		ExecCommand:    getEnv("EXEC_COMMAND", ""),

		// K8s
		K8sNamespace:  getEnv("K8S_NAMESPACE", "mentatlab"),
		K8sInCluster:  getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig: getEnv("KUBECONFIG", ""),
		K8sImage:      getEnv("K8S_IMAGE", "ghcr.io/flexinfer/graph-runner:latest"),

		// Archive
		ArchiveEnabled:    getBool("ARCHIVE_ENABLED", false),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", "graphd-runs"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3Prefix:          getEnv("S3_PREFIX", "orchestrations/"),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
