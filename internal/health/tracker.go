// Package health tracks per-graph health from periodic probes and execution
// outcomes.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/graphd/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Graphs is the catalog view the tracker needs.
type Graphs interface {
	List() []*types.GraphDefinition
}

// Tracker owns the health snapshot. Readers get an immutable snapshot through
// an atomic pointer; writers serialize on mu and publish a fresh copy.
type Tracker struct {
	graphs     Graphs
	probe      Probe
	publishers []Publisher
	logger     *slog.Logger

	probeTimeout time.Duration
	concurrency  int

	snap atomic.Pointer[types.GraphHealthStatus]

	mu      sync.Mutex
	seq     atomic.Uint64 // assigned when a refresh's probes complete
	applied uint64        // seq of the last applied refresh, guarded by mu

	// Ticker state
	lifecycle  sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	refreshing atomic.Bool
	inflight   sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithProbeTimeout bounds each individual probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.probeTimeout = d
		}
	}
}

// WithProbeConcurrency limits how many probes run at once. Zero or less means
// one goroutine per graph.
func WithProbeConcurrency(n int) Option {
	return func(t *Tracker) { t.concurrency = n }
}

// WithPublisher adds a sink notified of every new snapshot.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.publishers = append(t.publishers, p)
		}
	}
}

// NewTracker creates a tracker with every catalog graph in the unknown state.
func NewTracker(graphs Graphs, probe Probe, opts ...Option) *Tracker {
	t := &Tracker{
		graphs:       graphs,
		probe:        probe,
		logger:       slog.Default(),
		probeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}

	defs := graphs.List()
	initial := &types.GraphHealthStatus{
		TotalGraphs:         len(defs),
		StatusByGraph:       make(map[string]types.HealthState, len(defs)),
		ConsecutiveFailures: make(map[string]int, len(defs)),
		Diagnostics:         map[string]string{},
	}
	for _, def := range defs {
		initial.StatusByGraph[def.ID] = types.HealthUnknown
	}
	initial.Recount()
	t.snap.Store(initial)
	return t
}

// Snapshot returns a copy of the current health status.
func (t *Tracker) Snapshot() *types.GraphHealthStatus {
	return t.snap.Load().Clone()
}

type probeOutcome struct {
	id     string
	result ProbeResult
	err    error
}

// Refresh probes every graph and replaces probe-derived state. A probe error,
// panic or timeout marks only that graph failed. When several refreshes
// overlap, the one whose probes completed last wins; an older refresh that
// reaches the lock late is discarded and the current snapshot is returned.
func (t *Tracker) Refresh(ctx context.Context) (*types.GraphHealthStatus, error) {
	start := time.Now()
	defs := t.graphs.List()
	outcomes := make([]probeOutcome, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	if t.concurrency > 0 {
		g.SetLimit(t.concurrency)
	}
	for i, def := range defs {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, t.probeTimeout)
			defer cancel()
			res, err := t.runProbe(pctx, def)
			outcomes[i] = probeOutcome{id: def.ID, result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.HealthRefreshTotal.WithLabelValues("cancelled").Inc()
		return t.Snapshot(), fmt.Errorf("health refresh: %w", err)
	}

	seq := t.seq.Add(1)
	metrics.HealthRefreshDuration.Observe(time.Since(start).Seconds())

	t.mu.Lock()
	if seq < t.applied {
		t.mu.Unlock()
		metrics.HealthRefreshTotal.WithLabelValues("stale").Inc()
		t.logger.Debug("discarding stale health refresh", "seq", seq, "applied", t.applied)
		return t.Snapshot(), nil
	}

	next := t.snap.Load().Clone()
	next.TotalGraphs = len(defs)
	next.StatusByGraph = make(map[string]types.HealthState, len(defs))
	next.Diagnostics = make(map[string]string)
	next.CompiledGraphs = 0
	failures := make(map[string]int, len(defs))

	for _, o := range outcomes {
		failures[o.id] = next.ConsecutiveFailures[o.id]
		switch {
		case o.err != nil:
			next.StatusByGraph[o.id] = types.HealthFailed
			next.Diagnostics[o.id] = o.err.Error()
		case !o.result.Compiled:
			next.StatusByGraph[o.id] = types.HealthFailed
			next.Diagnostics[o.id] = orDefault(o.result.Message, "graph did not compile")
		case !o.result.Healthy:
			next.CompiledGraphs++
			next.StatusByGraph[o.id] = types.HealthFailed
			next.Diagnostics[o.id] = orDefault(o.result.Message, "probe reported unhealthy")
		default:
			next.CompiledGraphs++
			next.StatusByGraph[o.id] = types.HealthHealthy
			if o.result.Message != "" {
				next.Diagnostics[o.id] = o.result.Message
			}
		}
	}
	next.ConsecutiveFailures = failures
	next.LastRefresh = time.Now().UTC()
	next.Refreshed = true
	next.Recount()

	t.snap.Store(next)
	t.applied = seq
	t.mu.Unlock()

	metrics.HealthRefreshTotal.WithLabelValues("applied").Inc()
	t.logger.Info("health refreshed",
		"total", next.TotalGraphs,
		"healthy", next.HealthyGraphs,
		"failed", len(next.FailedGraphIDs),
		"duration", time.Since(start),
	)
	t.publish(next)
	return next.Clone(), nil
}

// runProbe isolates a single probe call, converting panics and deadline
// overruns into errors. The probe runs in its own goroutine so one that
// ignores ctx is abandoned at the deadline instead of holding up the batch.
func (t *Tracker) runProbe(ctx context.Context, def *types.GraphDefinition) (ProbeResult, error) {
	type outcome struct {
		res ProbeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("probe panicked: %v", r)}
			}
			done <- o
		}()
		o.res, o.err = t.probe.Probe(ctx, def)
	}()

	var res ProbeResult
	var err error
	select {
	case o := <-done:
		res, err = o.res, o.err
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("probe timed out after %s", t.probeTimeout)
	}
	return res, err
}

// RecordOutcome applies an execution result: success marks the graph healthy
// and resets its failure counter, failure marks it failed and increments the
// counter. Results for graphs outside the catalog are ignored.
func (t *Tracker) RecordOutcome(res *types.ExecutionResult) {
	if res == nil {
		return
	}

	t.mu.Lock()
	cur := t.snap.Load()
	if _, known := cur.StatusByGraph[res.GraphID]; !known {
		t.mu.Unlock()
		t.logger.Warn("outcome for graph outside catalog", "graph_id", res.GraphID)
		return
	}

	next := cur.Clone()
	if next.ConsecutiveFailures == nil {
		next.ConsecutiveFailures = map[string]int{}
	}
	if next.Diagnostics == nil {
		next.Diagnostics = map[string]string{}
	}
	if res.Success {
		next.StatusByGraph[res.GraphID] = types.HealthHealthy
		next.ConsecutiveFailures[res.GraphID] = 0
		delete(next.Diagnostics, res.GraphID)
	} else {
		next.StatusByGraph[res.GraphID] = types.HealthFailed
		next.ConsecutiveFailures[res.GraphID]++
		next.Diagnostics[res.GraphID] = res.ErrorMessage
	}
	next.Recount()
	t.snap.Store(next)
	t.mu.Unlock()

	t.publish(next)
}

func (t *Tracker) publish(s *types.GraphHealthStatus) {
	if len(t.publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range t.publishers {
		if err := p.Publish(ctx, s); err != nil {
			t.logger.Warn("publish health snapshot failed", "error", err)
		}
	}
}

// Start runs Refresh immediately and then on every interval until ctx is done
// or Shutdown is called. A tick that fires while the previous refresh is still
// running is skipped. Calling Start twice is a no-op.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.done != nil {
		return
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx, interval, t.done)
}

func (t *Tracker) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick starts a background refresh unless one is already running. It reports
// whether a refresh was started.
func (t *Tracker) tick(ctx context.Context) bool {
	if !t.refreshing.CompareAndSwap(false, true) {
		metrics.HealthRefreshTotal.WithLabelValues("skipped").Inc()
		t.logger.Debug("health refresh still running, skipping tick")
		return false
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		defer t.refreshing.Store(false)
		if _, err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("health refresh failed", "error", err)
		}
	}()
	return true
}

// Shutdown stops the ticker and waits for the loop and any in-flight refresh
// to exit, or for ctx to expire.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.lifecycle.Lock()
	cancel, done := t.cancel, t.done
	t.lifecycle.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		t.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
