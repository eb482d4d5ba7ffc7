package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// ConnectNATS dials a NATS server with reconnect settings suited to a
// long-running service.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSBus relays events over core NATS subjects, one per thread.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSBus creates a NATSBus. Subjects are "<prefix>.thread.<id>"; an
// empty prefix uses "larder".
func NewNATSBus(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	if prefix == "" {
		prefix = "larder"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{conn: conn, prefix: prefix, logger: logger}
}

func (b *NATSBus) subject(threadID string) string {
	return b.prefix + ".thread." + threadID
}

func (b *NATSBus) Publish(_ context.Context, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(b.subject(ev.ThreadID), data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", ev.ThreadID, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, threadID string) (<-chan task.Event, func(), error) {
	out := make(chan task.Event, subscriberBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := b.conn.Subscribe(b.subject(threadID), func(msg *nats.Msg) {
		var ev task.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("discarding malformed event", "thread_id", threadID, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
			telemetry.NotifyDropped.Inc()
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats subscribe to %s: %w", threadID, err)
	}
	// Make sure the server has registered the interest before returning.
	if err := b.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, nil, fmt.Errorf("nats flush: %w", err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(out)
			mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return out, cancel, nil
}
