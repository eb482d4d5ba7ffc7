package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// RedisBus relays events over Redis pub/sub, one channel per thread.
type RedisBus struct {
	client    *redis.Client
	namespace string
	logger    *slog.Logger
}

// NewRedisBus creates a RedisBus. An empty namespace uses "larder".
func NewRedisBus(client *redis.Client, namespace string, logger *slog.Logger) *RedisBus {
	if namespace == "" {
		namespace = "larder"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, namespace: namespace, logger: logger}
}

func (b *RedisBus) channel(threadID string) string {
	return b.namespace + ":thread:" + threadID
}

func (b *RedisBus) Publish(ctx context.Context, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.ThreadID), data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", ev.ThreadID, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, threadID string) (<-chan task.Event, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(threadID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe to %s: %w", threadID, err)
	}

	out := make(chan task.Event, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev task.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("discarding malformed event", "thread_id", threadID, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					telemetry.NotifyDropped.Inc()
				}
			}
		}
	}()
	return out, cancel, nil
}
