package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	run         types.Run
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) get(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, runID string, req *types.OrchestrationRequest) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; exists {
		return nil, ErrRunExists
	}

	now := time.Now().UTC()
	mr := &memoryRun{
		run: types.Run{
			ID:        runID,
			Strategy:  req.CoordinationStrategy,
			Project:   req.ProjectContext.Name,
			GraphIDs:  slices.Clone(req.ActiveGraphIDs),
			Status:    types.RunStatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	s.runs[runID] = mr

	out := mr.run
	return &out, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := mr.run
	out.GraphIDs = slices.Clone(mr.run.GraphIDs)
	return &out, nil
}

// ListRuns returns runs newest first, without their results.
func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	s.mu.RLock()
	all := make([]*memoryRun, 0, len(s.runs))
	for _, mr := range s.runs {
		all = append(all, mr)
	}
	s.mu.RUnlock()

	runs := make([]*types.Run, 0, len(all))
	for _, mr := range all {
		mr.mu.RLock()
		out := mr.run
		mr.mu.RUnlock()
		out.Result = nil
		runs = append(runs, &out)
	}
	slices.SortFunc(runs, func(a, b *types.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	mr, err := s.get(runID)
	if err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	now := time.Now().UTC()
	mr.run.Status = status
	mr.run.UpdatedAt = now
	if errMsg != "" {
		mr.run.Error = errMsg
	}
	if status == types.RunStatusRunning && mr.run.StartedAt == nil {
		mr.run.StartedAt = &now
	}
	if status.Terminal() {
		mr.run.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, runID string, result *types.OrchestrationResult) error {
	mr, err := s.get(runID)
	if err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	mr.run.Result = result
	mr.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	event := &types.Event{
		ID:        strconv.FormatInt(mr.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		GraphID:   input.GraphID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	mr.nextSeq++

	// Append to ring buffer
	if mr.maxEvents > 0 && int64(len(mr.events)) >= mr.maxEvents {
		mr.events = mr.events[1:]
	}
	mr.events = append(mr.events, event)
	mr.run.UpdatedAt = event.Timestamp

	// Notify subscribers (non-blocking). Sending under the lock keeps
	// Close from closing a channel mid-send.
	for ch := range mr.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	if lastEventID == "" {
		return slices.Clone(mr.events), nil
	}

	last, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", lastEventID, err)
	}
	var result []*types.Event
	for _, evt := range mr.events {
		if seq, _ := strconv.ParseInt(evt.ID, 10, 64); seq > last {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	mr, err := s.get(runID)
	if err != nil {
		return nil, nil, err
	}

	// Create buffered channel for subscriber
	ch := make(chan *types.Event, 100)

	mr.mu.Lock()
	mr.subscribers[ch] = struct{}{}
	mr.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			mr.mu.Lock()
			if _, ok := mr.subscribers[ch]; ok {
				delete(mr.subscribers, ch)
				close(ch)
			}
			mr.mu.Unlock()
		})
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Close all subscriber channels
	for _, mr := range s.runs {
		mr.mu.Lock()
		for ch := range mr.subscribers {
			close(ch)
		}
		mr.subscribers = make(map[chan *types.Event]struct{})
		mr.mu.Unlock()
	}

	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
