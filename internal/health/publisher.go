package health

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/graphd/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Publisher receives every new health snapshot.
type Publisher interface {
	Publish(ctx context.Context, s *types.GraphHealthStatus) error
}

// RedisPublisher stores the latest snapshot under a key and announces it on a
// pub/sub channel of the same name.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher over an existing client.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, s *types.GraphHealthStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.channel+":latest", data, 0)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// MetricsPublisher mirrors snapshots into Prometheus gauges.
type MetricsPublisher struct{}

// Publish implements Publisher.
func (MetricsPublisher) Publish(_ context.Context, s *types.GraphHealthStatus) error {
	metrics.GraphsTotal.Set(float64(s.TotalGraphs))
	metrics.GraphsHealthy.Set(float64(s.HealthyGraphs))
	metrics.GraphsCompiled.Set(float64(s.CompiledGraphs))
	for id, st := range s.StatusByGraph {
		v := 0.0
		if st == types.HealthHealthy {
			v = 1
		}
		metrics.GraphHealthy.WithLabelValues(id).Set(v)
		metrics.GraphConsecutiveFailures.WithLabelValues(id).Set(float64(s.ConsecutiveFailures[id]))
	}
	return nil
}
