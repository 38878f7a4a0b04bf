package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for events, a JSON document per run and a sorted set
// index ordered by creation time.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "orchestrations")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each run's event stream (approximate)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "orchestrations",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient builds a client from the config without checking
// connectivity. It is shared with the catalog source and health publisher.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	// Parse URL if provided
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	return redis.NewClient(opts), nil
}

// NewRedisStore creates a new Redis-backed RunStore over client.
func NewRedisStore(client *redis.Client, cfg *RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orchestrations"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
		logger:    logger,
	}, nil
}

// Key helpers
func (s *RedisStore) keyRun(runID string) string    { return fmt.Sprintf("%s:%s:run", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyIndex() string              { return s.prefix + ":index" }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyRun(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, runID string, req *types.OrchestrationRequest) (*types.Run, error) {
	now := time.Now().UTC()
	run := &types.Run{
		ID:        runID,
		Strategy:  req.CoordinationStrategy,
		Project:   req.ProjectContext.Name,
		GraphIDs:  req.ActiveGraphIDs,
		Status:    types.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.keyRun(runID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if !ok {
		return nil, ErrRunExists
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	pipe.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(now.UnixNano()), Member: runID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("index run: %w", err)
	}
	s.setTTL(ctx, runID)

	return run, nil
}

// GetRun returns the stored run including its result, if any.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	data, err := s.client.Get(ctx, s.keyRun(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs newest first, without their results. Expired runs
// still in the index are pruned.
func (s *RedisStore) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.keyIndex(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(ids) == 0 {
		return []*types.Run{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyRun(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch runs: %w", err)
	}

	runs := make([]*types.Run, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var run types.Run
		if err := json.Unmarshal([]byte(str), &run); err != nil {
			continue
		}
		run.Result = nil
		runs = append(runs, &run)
	}
	if len(expired) > 0 {
		s.client.ZRem(ctx, s.keyIndex(), expired...)
	}
	return runs, nil
}

// mutate applies fn to the stored run under optimistic locking.
func (s *RedisStore) mutate(ctx context.Context, runID string, fn func(*types.Run)) error {
	key := s.keyRun(runID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("unmarshal run: %w", err)
		}
		fn(&run)
		run.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update run %s: too much contention", runID)
}

// UpdateRunStatus updates the run's status and timestamps.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	err := s.mutate(ctx, runID, func(run *types.Run) {
		now := time.Now().UTC()
		run.Status = status
		if errMsg != "" {
			run.Error = errMsg
		}
		if status == types.RunStatusRunning && run.StartedAt == nil {
			run.StartedAt = &now
		}
		if status.Terminal() {
			run.FinishedAt = &now
		}
	})
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("update run status: %w", err)
	}
	return err
}

// SaveResult stores the final orchestration result.
func (s *RedisStore) SaveResult(ctx context.Context, runID string, result *types.OrchestrationResult) error {
	err := s.mutate(ctx, runID, func(run *types.Run) {
		run.Result = result
	})
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("save result: %w", err)
	}
	return err
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	// Increment sequence atomically
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		GraphID:   input.GraphID,
		Timestamp: now,
		Data:      dataBytes,
	}

	// Add to Redis Stream with MAXLEN
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     eventID,
			"ts":      now.Format(time.RFC3339Nano),
			"type":    string(input.Type),
			"data":    string(dataBytes),
			"graphId": input.GraphID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	return event, nil
}

func (s *RedisStore) decodeEntry(runID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	graphID, _ := entry.Values["graphId"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		GraphID:   graphID,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, err = strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", lastEventID, err)
		}
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		event := s.decodeEntry(runID, entry)
		if seq, _ := strconv.ParseInt(event.ID, 10, 64); lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Subscribe tails the run's Redis Stream, so events appended by any replica
// are delivered.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	// Pin the starting point now; "$" would only be resolved on the first
	// XREAD and could skip events appended in between.
	startID := "0-0"
	tail, err := s.client.XRevRangeN(ctx, s.keyEvents(runID), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("read stream tail: %w", err)
	}
	if len(tail) > 0 {
		startID = tail[0].ID
	}

	ch := make(chan *types.Event, 100)
	readCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.streamReader(readCtx, runID, startID, ch)
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			<-done
			close(ch)
		})
	}

	return ch, cleanup, nil
}

// streamReader reads from the Redis Stream and pushes to ch until ctx is done.
func (s *RedisStore) streamReader(ctx context.Context, runID, lastID string, ch chan *types.Event) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			// On error, wait briefly then retry
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- s.decodeEntry(runID, entry):
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
