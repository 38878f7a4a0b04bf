package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// SQLiteStore is a RunStore persisted to a single SQLite file. Runs survive
// restarts; live subscriptions are in-process only.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	config *Config

	mu          sync.Mutex
	subscribers map[string]map[chan *types.Event]struct{}
	closed      bool
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		next_seq INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		graph_id TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		data TEXT,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`

// sqliteTime is fixed width so timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, cfg *Config) (*SQLiteStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	return &SQLiteStore{
		db:          db,
		path:        path,
		config:      cfg,
		subscribers: make(map[string]map[chan *types.Event]struct{}),
	}, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, runID string, req *types.OrchestrationRequest) (*types.Run, error) {
	s.expire(ctx)

	now := time.Now().UTC()
	run := &types.Run{
		ID:        runID,
		Strategy:  req.CoordinationStrategy,
		Project:   req.ProjectContext.Name,
		GraphIDs:  append([]string(nil), req.ActiveGraphIDs...),
		Status:    types.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	body, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, body, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		runID, string(body), now.Format(sqliteTime))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRunExists
	}
	return run, nil
}

// expire drops runs older than the configured TTL.
func (s *SQLiteStore) expire(ctx context.Context) {
	if s.config.TTLSeconds <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-time.Duration(s.config.TTLSeconds) * time.Second)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.Format(sqliteTime))
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run types.Run
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs newest first, without their results.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM runs ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*types.Run{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var run types.Run
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		run.Result = nil
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// mutate applies fn to the stored run inside a transaction.
func (s *SQLiteStore) mutate(ctx context.Context, runID string, fn func(*types.Run)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	var run types.Run
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return fmt.Errorf("decode run: %w", err)
	}

	fn(&run)
	run.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(&run)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET body = ? WHERE id = ?`, string(updated), runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	return s.mutate(ctx, runID, func(run *types.Run) {
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
}

func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, result *types.OrchestrationResult) error {
	return s.mutate(ctx, runID, func(run *types.Run) { run.Result = result })
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM runs WHERE id = ?`, runID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	event := &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		RunID:     runID,
		Type:      input.Type,
		GraphID:   input.GraphID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, graph_id, ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, string(event.Type), event.GraphID, event.Timestamp.Format(sqliteTime), string(dataJSON)); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET next_seq = ? WHERE id = ?`, seq+1, runID); err != nil {
		return nil, err
	}
	if maxEvents := s.config.EventMaxLen; maxEvents > 0 && seq > maxEvents {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ? AND seq <= ?`, runID, seq-maxEvents); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for ch := range s.subscribers[runID] {
		select {
		case ch <- event:
		default:
		}
	}
	s.mu.Unlock()

	return event, nil
}

func (s *SQLiteStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	var last int64
	if lastEventID != "" {
		var err error
		if last, err = strconv.ParseInt(lastEventID, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", lastEventID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, graph_id, ts, data FROM events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, last)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var (
			seq              int64
			typ, graphID, ts string
			data             sql.NullString
		)
		if err := rows.Scan(&seq, &typ, &graphID, &ts, &data); err != nil {
			return nil, err
		}
		evt := &types.Event{
			ID:      strconv.FormatInt(seq, 10),
			RunID:   runID,
			Type:    types.EventType(typ),
			GraphID: graphID,
		}
		evt.Timestamp, _ = time.Parse(sqliteTime, ts)
		if data.Valid {
			evt.Data = json.RawMessage(data.String)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, errors.New("runstore closed")
	}
	if s.subscribers[runID] == nil {
		s.subscribers[runID] = make(map[chan *types.Event]struct{})
	}
	s.subscribers[runID][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subscribers[runID]
			if _, ok := subs[ch]; !ok {
				return
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(s.subscribers, runID)
			}
		})
	}
	return ch, cleanup, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	var runCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&runCount); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"adapter":    "sqlite",
		"path":       s.path,
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for runID, subs := range s.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(s.subscribers, runID)
	}
	s.mu.Unlock()
	return s.db.Close()
}

var _ RunStore = (*SQLiteStore)(nil)
