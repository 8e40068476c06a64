package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/procflow/procflow/types"
)

const (
	definitionPrefix = "procflow:definition:"
	instancePrefix   = "procflow:instance:"
	taskPrefix       = "procflow:task:"
	historyPrefix    = "procflow:history:"
)

// RedisStore is a Redis-backed implementation of the Store interface.
// Entities are stored as JSON values; each instance's history is an RPUSH
// list, which preserves the append-only ordering without a secondary index.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore creates a new RedisStore and verifies connectivity.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// saveJSON saves a value under prefix+id.
func (s *RedisStore) saveJSON(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%d: %v", prefix, id, err)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value stored under prefix+id.
func getJSON[T any](ctx context.Context, client *redis.Client, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// scanJSON loads every value under the prefix. Key volumes here are modest
// (definitions, live tasks), matching the simple Keys-based scan.
func scanJSON[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %v", prefix, err)
		}
		var out []T
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

func (s *RedisStore) SaveDefinition(ctx context.Context, def types.Definition) error {
	return s.saveJSON(ctx, definitionPrefix, def.ID, def)
}

func (s *RedisStore) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getJSON[types.Definition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

func (s *RedisStore) ActiveDefinition(ctx context.Context, name string) (types.Definition, error) {
	defs, err := scanJSON[types.Definition](ctx, s.client, definitionPrefix)
	if err != nil {
		return types.Definition{}, err
	}
	var best types.Definition
	found := false
	for _, def := range defs {
		if def.Name != name || !def.Active {
			continue
		}
		if !found || def.Version > best.Version {
			best = def
			found = true
		}
	}
	if !found {
		return types.Definition{}, fmt.Errorf("%w: name=%s", ErrDefinitionNotFound, name)
	}
	return best, nil
}

func (s *RedisStore) ListDefinitions(ctx context.Context, name string) ([]types.Definition, error) {
	defs, err := scanJSON[types.Definition](ctx, s.client, definitionPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.Definition
	for _, def := range defs {
		if def.Name == name {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *RedisStore) SaveInstance(ctx context.Context, inst types.Instance) error {
	return s.saveJSON(ctx, instancePrefix, inst.ID, inst)
}

func (s *RedisStore) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getJSON[types.Instance](ctx, s.client, instancePrefix, id, ErrInstanceNotFound)
}

func (s *RedisStore) SaveTask(ctx context.Context, task types.Task) error {
	return s.saveJSON(ctx, taskPrefix, task.ID, task)
}

func (s *RedisStore) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getJSON[types.Task](ctx, s.client, taskPrefix, id, ErrTaskNotFound)
}

func (s *RedisStore) ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error) {
	tasks, err := scanJSON[types.Task](ctx, s.client, taskPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.Task
	for _, task := range tasks {
		if filter.Matches(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, event types.HistoryEvent) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal history event %d: %v", event.ID, err)
		}
		key := fmt.Sprintf("%s%d", historyPrefix, event.InstanceID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append history to %s: %v", key, err)
		}
		return nil
	})
}

func (s *RedisStore) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return withContext(ctx, func() ([]types.HistoryEvent, error) {
		key := fmt.Sprintf("%s%d", historyPrefix, instanceID)
		items, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history %s: %v", key, err)
		}
		events := make([]types.HistoryEvent, 0, len(items))
		for _, item := range items {
			var ev types.HistoryEvent
			if err := json.Unmarshal([]byte(item), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history entry in %s: %v", key, err)
			}
			events = append(events, ev)
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
		return events, nil
	})
}

// SaveDefinitions saves multiple definitions using pipelining.
func (s *RedisStore) SaveDefinitions(ctx context.Context, defs []types.Definition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %d: %v", def.ID, err)
			}
			key := fmt.Sprintf("%s%d", definitionPrefix, def.ID)
			pipe.Set(ctx, key, data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
