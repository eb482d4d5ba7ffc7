package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/larder/internal/task"
)

const defaultNamespace = "larder"

// Redis stores task states as JSON strings with a TTL.
type Redis struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedis creates a Redis store. An empty namespace uses "larder".
func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *Redis {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis) key(taskID string) string { return r.namespace + ":state:" + taskID }

func (r *Redis) Get(ctx context.Context, taskID string) (task.State, bool, error) {
	data, err := r.client.Get(ctx, r.key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return task.State{}, false, nil
		}
		return task.State{}, false, fmt.Errorf("redis get state for %s: %w", taskID, err)
	}
	var st task.State
	if err := json.Unmarshal(data, &st); err != nil {
		return task.State{}, false, fmt.Errorf("unmarshal state for %s: %w", taskID, err)
	}
	return st, true, nil
}

func (r *Redis) Set(ctx context.Context, st task.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := r.client.Set(ctx, r.key(st.TaskID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set state for %s: %w", st.TaskID, err)
	}
	return nil
}
