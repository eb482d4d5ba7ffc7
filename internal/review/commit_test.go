package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/statestore"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(store Store, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(store, opts...)
}

// reviewReady creates a task that entered review at readyAt with a draft
// sourced from url.
func reviewReady(t *testing.T, s *storage.Store, url string, readyAt time.Time) task.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := s.CreateTask(ctx, task.Record{Task: task.Task{
		ID:       uuid.New().String(),
		ThreadID: "thread-1",
		Mode:     task.ModeURL,
		Payload:  url,
		Metadata: map[string]string{"origin": "test"},
	}})
	require.NoError(t, err)

	rec.Status = task.StatusRunning
	rec, err = s.UpdateTask(ctx, rec)
	require.NoError(t, err)

	hash, err := recipe.HashURL(url)
	require.NoError(t, err)
	rec.Status = task.StatusReviewReady
	rec.Progress = 100
	rec.Phase = "review_ready"
	rec.ReviewReadyAt = &readyAt
	rec.Draft = &recipe.Draft{
		TaskID: rec.Task.ID,
		Recipe: recipe.Content{
			Name:         "Lentil Soup",
			Ingredients:  []recipe.Ingredient{{Text: "1 cup lentils"}},
			Instructions: []recipe.Step{{Text: "Simmer until soft."}},
		},
		Source: recipe.Source{URL: url, URLHash: hash, ExtractionMethod: recipe.MethodStructuredData},
	}
	rec, err = s.UpdateTask(ctx, rec)
	require.NoError(t, err)
	return rec
}

func version(v int64) *int64 { return &v }

func TestCommitCreatesRecipe(t *testing.T) {
	store := openTestStore(t)
	states := statestore.NewMemory(10, time.Hour)
	svc := newTestService(store, WithNotifier(states, nil))
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	res, err := svc.Commit(context.Background(), rec.Task.ID, version(rec.Version))
	require.NoError(t, err)
	assert.False(t, res.AlreadyCommitted)
	assert.Empty(t, res.DuplicateOf)
	assert.Equal(t, "Lentil Soup", res.Recipe.Content.Name)
	assert.Equal(t, rec.Task.ID, res.Recipe.TaskID)

	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, res.Recipe.ID, got.Task.Metadata[task.MetaCommittedRecipeID])
	assert.NotEmpty(t, got.Task.Metadata[task.MetaCommittedAt])
	assert.Equal(t, "test", got.Task.Metadata["origin"])

	stored, err := store.GetRecipe(context.Background(), res.Recipe.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Draft.Source.URLHash, stored.Source.URLHash)

	st, ok, err := states.Get(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StatusCommitted, st.Status)
	assert.Equal(t, res.Recipe.ID, st.Result)
}

func TestCommitTwiceReturnsSameRecipe(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	first, err := svc.Commit(context.Background(), rec.Task.ID, nil)
	require.NoError(t, err)
	second, err := svc.Commit(context.Background(), rec.Task.ID, version(rec.Version))
	require.NoError(t, err)

	assert.True(t, second.AlreadyCommitted)
	assert.Equal(t, first.Recipe.ID, second.Recipe.ID)

	byTask, err := store.FindRecipeByTaskID(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Recipe.ID, byTask.ID)
}

func TestCommitConcurrentCallsYieldOneRecipe(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Commit(context.Background(), rec.Task.ID, nil)
			ids[i], errs[i] = res.Recipe.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, got.Status)
	assert.Equal(t, ids[0], got.Task.Metadata[task.MetaCommittedRecipeID])
}

func TestCommitStaleVersionConflicts(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	_, err := svc.Commit(context.Background(), rec.Task.ID, version(rec.Version-1))
	require.Error(t, err)
	assert.Equal(t, task.CodeConflict, task.CodeOf(err))

	_, err = store.FindRecipeByTaskID(context.Background(), rec.Task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReviewReady, got.Status)
	assert.Equal(t, rec.Version, got.Version)
}

func TestCommitExpiredDraft(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-8*24*time.Hour))

	_, err := svc.Commit(context.Background(), rec.Task.ID, nil)
	assert.ErrorIs(t, err, task.ErrExpired)

	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)

	_, err = store.FindRecipeByTaskID(context.Background(), rec.Task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Once expired, the task stays expired.
	_, err = svc.Commit(context.Background(), rec.Task.ID, nil)
	var te *task.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, task.CodeWrongState, te.Code)
	assert.Equal(t, task.StatusExpired, te.Status)
}

func TestCommitCustomWindow(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store, WithWindow(time.Hour))
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-2*time.Hour))

	_, err := svc.Commit(context.Background(), rec.Task.ID, nil)
	assert.ErrorIs(t, err, task.ErrExpired)
	assert.Equal(t, time.Hour, svc.Window())
}

func TestCommitWrongState(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)

	rec, err := store.CreateTask(context.Background(), task.Record{Task: task.Task{
		ID: uuid.New().String(), ThreadID: "t", Mode: task.ModeURL, Payload: "https://example.com/x",
	}})
	require.NoError(t, err)

	_, err = svc.Commit(context.Background(), rec.Task.ID, nil)
	var te *task.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, task.CodeWrongState, te.Code)
	assert.Equal(t, task.StatusPending, te.Status)
}

func TestCommitNotFound(t *testing.T) {
	svc := newTestService(openTestStore(t))
	_, err := svc.Commit(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestCommitWarnsOnDuplicateURL(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	first := reviewReady(t, store, "https://www.example.com/lentils/?utm_source=x", testNow.Add(-time.Hour))
	second := reviewReady(t, store, "http://example.com/lentils", testNow.Add(-time.Hour))

	a, err := svc.Commit(context.Background(), first.Task.ID, nil)
	require.NoError(t, err)
	b, err := svc.Commit(context.Background(), second.Task.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Recipe.ID, b.DuplicateOf)
	assert.NotEmpty(t, b.Warnings)
	assert.NotEqual(t, a.Recipe.ID, b.Recipe.ID)

	got, err := store.GetTask(context.Background(), second.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, got.Status)
	assert.Equal(t, a.Recipe.ID, got.Task.Metadata[task.MetaDuplicateOf])
}

func TestCommitAdoptsOrphanRecipe(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	// A previous commit wrote the recipe and stopped before updating the task.
	orphan := recipe.Recipe{
		ID:        "orphan-1",
		TaskID:    rec.Task.ID,
		Content:   rec.Draft.Recipe,
		Source:    rec.Draft.Source,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, store.SaveRecipe(context.Background(), orphan))

	res, err := svc.Commit(context.Background(), rec.Task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "orphan-1", res.Recipe.ID)
	assert.Empty(t, res.DuplicateOf)

	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "orphan-1", got.Task.Metadata[task.MetaCommittedRecipeID])
}

func TestCommitOrphanDoesNotHideDuplicate(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	ctx := context.Background()
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))
	other := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	// This task's own orphan is the oldest recipe with the hash.
	require.NoError(t, store.SaveRecipe(ctx, recipe.Recipe{
		ID:        "orphan-1",
		TaskID:    rec.Task.ID,
		Content:   rec.Draft.Recipe,
		Source:    rec.Draft.Source,
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}))
	require.NoError(t, store.SaveRecipe(ctx, recipe.Recipe{
		ID:        "earlier-import",
		TaskID:    other.Task.ID,
		Content:   other.Draft.Recipe,
		Source:    other.Draft.Source,
		CreatedAt: testNow.Add(-30 * time.Minute),
		UpdatedAt: testNow.Add(-30 * time.Minute),
	}))

	res, err := svc.Commit(ctx, rec.Task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "orphan-1", res.Recipe.ID)
	assert.Equal(t, "earlier-import", res.DuplicateOf)
	assert.NotEmpty(t, res.Warnings)
}

// racingStore runs beforeUpdate ahead of the first UpdateTask call.
type racingStore struct {
	*storage.Store
	once         sync.Once
	beforeUpdate func()
}

func (r *racingStore) UpdateTask(ctx context.Context, rec task.Record) (task.Record, error) {
	r.once.Do(r.beforeUpdate)
	return r.Store.UpdateTask(ctx, rec)
}

func TestCommitLosingToExpiryRemovesRecipe(t *testing.T) {
	store := openTestStore(t)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	racing := &racingStore{Store: store, beforeUpdate: func() {
		cur, err := store.GetTask(context.Background(), rec.Task.ID)
		require.NoError(t, err)
		cur.Status = task.StatusExpired
		_, err = store.UpdateTask(context.Background(), cur)
		require.NoError(t, err)
	}}
	svc := newTestService(racing)

	_, err := svc.Commit(context.Background(), rec.Task.ID, nil)
	assert.ErrorIs(t, err, task.ErrExpired)

	_, err = store.FindRecipeByTaskID(context.Background(), rec.Task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)
}

func TestReject(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-time.Hour))

	got, err := svc.Reject(context.Background(), rec.Task.ID, "not a recipe")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.Equal(t, "not a recipe", got.Task.Metadata[task.MetaRejectReason])

	_, err = svc.Reject(context.Background(), rec.Task.ID, "")
	assert.ErrorIs(t, err, task.ErrWrongState)

	_, err = svc.Commit(context.Background(), rec.Task.ID, nil)
	assert.ErrorIs(t, err, task.ErrWrongState)
}

func TestRejectExpiredDraft(t *testing.T) {
	store := openTestStore(t)
	svc := newTestService(store)
	rec := reviewReady(t, store, "https://example.com/lentils", testNow.Add(-8*24*time.Hour))

	_, err := svc.Reject(context.Background(), rec.Task.ID, "")
	assert.ErrorIs(t, err, task.ErrExpired)

	got, err := store.GetTask(context.Background(), rec.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)
}
