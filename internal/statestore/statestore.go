// Package statestore holds the ephemeral, TTL-bounded progress view of
// ingest tasks. A missing entry means the state is unknown or stale; it is
// never an error.
package statestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/larder/internal/task"
)

// DefaultTTL bounds how long a task state is kept after its last update.
const DefaultTTL = 24 * time.Hour

// Store gets and sets task states.
type Store interface {
	// Get returns the state and whether it was present.
	Get(ctx context.Context, taskID string) (task.State, bool, error)
	Set(ctx context.Context, st task.State) error
}

// Memory is an in-process Store backed by an expiring LRU cache.
type Memory struct {
	cache *expirable.LRU[string, task.State]
}

// NewMemory creates a Memory store holding at most size entries for ttl.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{cache: expirable.NewLRU[string, task.State](size, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, taskID string) (task.State, bool, error) {
	st, ok := m.cache.Get(taskID)
	return st, ok, nil
}

func (m *Memory) Set(_ context.Context, st task.State) error {
	m.cache.Add(st.TaskID, st)
	return nil
}
