package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/larder/internal/task"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Hour)

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "absent state is not an error")

	st := task.State{TaskID: "t1", Status: task.StatusRunning, Progress: 20, Phase: "fetch"}
	require.NoError(t, m.Set(ctx, st))

	got, ok, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 20*time.Millisecond)
	require.NoError(t, m.Set(ctx, task.State{TaskID: "t1", Status: task.StatusReviewReady}))

	assert.Eventually(t, func() bool {
		_, ok, _ := m.Get(ctx, "t1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set(ctx, task.State{TaskID: id}))
	}
	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "c")
	assert.True(t, ok)
}
