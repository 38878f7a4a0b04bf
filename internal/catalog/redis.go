package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// DefaultRedisKey is the set holding every published graph id.
const DefaultRedisKey = "graphd:catalog"

// RedisSource reads definitions published by other services. The index key is
// a set of graph ids and each definition is stored as JSON under
// "<key>:<id>".
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource creates a discovery source over an existing client.
func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) graphKey(id string) string {
	return s.key + ":" + id
}

// Definitions implements Source.
func (s *RedisSource) Definitions(ctx context.Context) ([]*types.GraphDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list graph ids: %w", err)
	}
	slices.Sort(ids)

	// Fetch all definitions in one round trip
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.graphKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch graphs: %w", err)
	}

	defs := make([]*types.GraphDefinition, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			return nil, &types.CatalogLoadError{GraphID: ids[i], Reason: "indexed but has no definition"}
		}
		if err != nil {
			return nil, fmt.Errorf("get graph %s: %w", ids[i], err)
		}
		var def types.GraphDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, &types.CatalogLoadError{GraphID: ids[i], Reason: fmt.Sprintf("decode: %v", err)}
		}
		if def.ID != ids[i] {
			return nil, &types.CatalogLoadError{GraphID: ids[i], Reason: fmt.Sprintf("stored under mismatched id %q", def.ID)}
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// Publish stores definitions and adds them to the index atomically.
func (s *RedisSource) Publish(ctx context.Context, defs ...*types.GraphDefinition) error {
	pipe := s.client.TxPipeline()
	for _, def := range defs {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal graph %s: %w", def.ID, err)
		}
		pipe.Set(ctx, s.graphKey(def.ID), data, 0)
		pipe.SAdd(ctx, s.key, def.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish graphs: %w", err)
	}
	return nil
}
