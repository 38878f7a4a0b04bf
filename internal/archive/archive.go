// Package archive stores final orchestration results in object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// ErrNotFound is returned when no archived object exists for a key.
var ErrNotFound = errors.New("archived object not found")

// Ref points at an archived object.
type Ref struct {
	URI       string    `json:"uri"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the object store the archive writes to.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*Ref, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Service serializes orchestration results and writes them under
// "<prefix><run id>.json".
type Service struct {
	backend Backend
	prefix  string
}

// New creates an archive service.
func New(backend Backend, prefix string) *Service {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Service{backend: backend, prefix: prefix}
}

func (s *Service) key(runID string) string {
	return s.prefix + runID + ".json"
}

// Archive writes result and returns its reference.
func (s *Service) Archive(ctx context.Context, result *types.OrchestrationResult) (*Ref, error) {
	if result == nil || result.RunID == "" {
		return nil, errors.New("archive: result without run id")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	ref, err := s.backend.Put(ctx, s.key(result.RunID), data, "application/json")
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ArchiveUploads.WithLabelValues("success").Inc()
	return ref, nil
}

// Fetch reads an archived result back.
func (s *Service) Fetch(ctx context.Context, runID string) (*types.OrchestrationResult, error) {
	data, err := s.backend.Get(ctx, s.key(runID))
	if err != nil {
		return nil, err
	}
	var result types.OrchestrationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal archived result: %w", err)
	}
	return &result, nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// MemoryBackend keeps objects in memory. Used in tests and local runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

// Put implements Backend.
func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, contentType string) (*Ref, error) {
	m.mu.Lock()
	m.objects[key] = bytes.Clone(data)
	m.mu.Unlock()

	return &Ref{
		URI:       "memory://" + key,
		Size:      int64(len(data)),
		Checksum:  checksum(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}
