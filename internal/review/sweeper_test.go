package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/larder/internal/notify"
	"github.com/kalambet/larder/internal/task"
)

func TestSweepOnceExpiresOverdueDrafts(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	ctx := context.Background()

	old := reviewReady(t, store, "https://example.com/a", testNow.Add(-8*24*time.Hour))
	fresh := reviewReady(t, store, "https://example.com/b", testNow.Add(-24*time.Hour))
	committed := reviewReady(t, store, "https://example.com/c", testNow.Add(-9*24*time.Hour))
	committed.Status = task.StatusCommitted
	_, err := store.UpdateTask(ctx, committed)
	require.NoError(t, err)

	sw, err := NewSweeper(svc, "@every 1h")
	require.NoError(t, err)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]task.Status{
		old.Task.ID:       task.StatusExpired,
		fresh.Task.ID:     task.StatusReviewReady,
		committed.Task.ID: task.StatusCommitted,
	} {
		got, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "task %s", id)
	}

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// An expired draft can no longer be committed.
	_, err = svc.Commit(ctx, old.Task.ID, nil)
	assert.ErrorIs(t, err, task.ErrWrongState)
}

func TestSweepOnceWalksBatches(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	for i := 0; i < 5; i++ {
		reviewReady(t, store, "https://example.com/x", testNow.Add(-time.Duration(8+i)*24*time.Hour))
	}

	sw, err := NewSweeper(svc, "@every 1h")
	require.NoError(t, err)
	sw.batch = 2

	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSweeperRunPublishesExpiry(t *testing.T) {
	store := openTestStore(t)
	hub := notify.NewHub()
	svc := newTestService(store, WithNotifier(nil, hub))
	old := reviewReady(t, store, "https://example.com/a", testNow.Add(-8*24*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe, err := hub.Subscribe(ctx, old.Task.ThreadID)
	require.NoError(t, err)
	defer unsubscribe()

	sw, err := NewSweeper(svc, "@every 1h")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-events:
		assert.Equal(t, old.Task.ID, ev.TaskID)
		assert.Equal(t, task.StatusExpired, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no expiry event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(newTestService(openTestStore(t)), "every now and then")
	assert.Error(t, err)
}
