// Package notify broadcasts task progress events to subscribers of a
// thread. Delivery is fire-and-forget and at most once: a slow or absent
// subscriber loses events, and the current state stays readable from the
// state store.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// Publisher sends an event to the subscribers of ev.ThreadID.
type Publisher interface {
	Publish(ctx context.Context, ev task.Event) error
}

// Subscriber delivers events for one thread until cancel is called or ctx
// ends.
type Subscriber interface {
	Subscribe(ctx context.Context, threadID string) (events <-chan task.Event, cancel func(), err error)
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	Subscriber
}

const subscriberBuffer = 32

// Hub is an in-process Bus.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan task.Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan task.Event]struct{}{}}
}

// Publish never blocks: subscribers whose buffers are full miss the event.
func (h *Hub) Publish(_ context.Context, ev task.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.ThreadID] {
		select {
		case ch <- ev:
		default:
			telemetry.NotifyDropped.Inc()
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, threadID string) (<-chan task.Event, func(), error) {
	ch := make(chan task.Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[threadID] == nil {
		h.subs[threadID] = map[chan task.Event]struct{}{}
	}
	h.subs[threadID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[threadID], ch)
			if len(h.subs[threadID]) == 0 {
				delete(h.subs, threadID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// Fanout publishes to several publishers, logging rather than returning
// individual failures.
type Fanout struct {
	pubs   []Publisher
	logger *slog.Logger
}

// NewFanout creates a Fanout over pubs.
func NewFanout(logger *slog.Logger, pubs ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{pubs: pubs, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, ev task.Event) error {
	var errs []error
	for _, p := range f.pubs {
		if err := p.Publish(ctx, ev); err != nil {
			telemetry.NotifyDropped.Inc()
			f.logger.Warn("publish progress event", "thread_id", ev.ThreadID, "task_id", ev.TaskID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
