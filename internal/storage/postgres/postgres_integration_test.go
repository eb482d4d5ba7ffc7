//go:build integration

package postgres

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
)

var testDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("larder"),
		tcPostgres.WithUsername("larder"),
		tcPostgres.WithPassword("larder"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	testDSN, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	return m.Run()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), testDSN)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord() task.Record {
	return task.Record{Task: task.Task{
		ID:       uuid.New().String(),
		ThreadID: "thread-" + uuid.New().String()[:8],
		Mode:     task.ModeURL,
		Payload:  "https://example.com/soup",
		Metadata: map[string]string{"source": "test"},
	}}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.migrate(context.Background()))

	var n int
	require.NoError(t, s.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestTaskVersioning(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created, err := s.CreateTask(ctx, newRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, task.StatusPending, created.Status)

	_, err = s.CreateTask(ctx, created)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	running := created
	running.Status = task.StatusRunning
	running.Phase = "fetch"
	running.Progress = 20
	updated, err := s.UpdateTask(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// A writer still holding version 1 loses.
	stale := created
	stale.Status = task.StatusCancelled
	_, err = s.UpdateTask(ctx, stale)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	got, err := s.GetTask(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "fetch", got.Phase)
	assert.Equal(t, "test", got.Task.Metadata["source"])

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ghost := newRecord()
	ghost.Version = 1
	_, err = s.UpdateTask(ctx, ghost)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDraftAndReviewReadyListing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r, err := s.CreateTask(ctx, newRecord())
	require.NoError(t, err)

	ready := time.Now().UTC().Add(-8 * 24 * time.Hour).Truncate(time.Microsecond)
	r.Status = task.StatusReviewReady
	r.ReviewReadyAt = &ready
	r.Draft = &recipe.Draft{
		TaskID: r.Task.ID,
		Recipe: recipe.Content{
			Name:         "Soup",
			Ingredients:  []recipe.Ingredient{{Text: "1 onion"}},
			Instructions: []recipe.Step{{Text: "Simmer."}},
		},
	}
	_, err = s.UpdateTask(ctx, r)
	require.NoError(t, err)

	got, err := s.GetTask(ctx, r.Task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Draft)
	assert.Equal(t, "Soup", got.Draft.Recipe.Name)
	require.NotNil(t, got.ReviewReadyAt)
	assert.True(t, got.ReviewReadyAt.Equal(ready))

	stale, err := s.ListReviewReadyBefore(ctx, time.Now().Add(-7*24*time.Hour), 0)
	require.NoError(t, err)
	var found bool
	for _, rec := range stale {
		if rec.Task.ID == r.Task.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecipeOnePerTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	taskID := uuid.New().String()
	hash := "hash-" + taskID
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := recipe.Recipe{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Content:   recipe.Content{Name: "Bread"},
		Source:    recipe.Source{URL: "https://example.com/bread", URLHash: hash},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.SaveRecipe(ctx, rec))

	second := rec
	second.ID = uuid.New().String()
	err := s.SaveRecipe(ctx, second)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	byHash, err := s.FindRecipeByURLHash(ctx, hash, "other-task")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byHash.ID)

	_, err = s.FindRecipeByURLHash(ctx, hash, taskID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	byTask, err := s.FindRecipeByTaskID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "Bread", byTask.Content.Name)

	_, err = s.GetRecipe(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobQueue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	jobType := "test_" + uuid.New().String()[:8]
	id := uuid.New().String()
	require.NoError(t, s.EnqueueJob(ctx, storage.Job{ID: id, Type: jobType, PayloadJSON: `{}`, MaxAttempts: 2}))

	job, err := s.ClaimNextJob(ctx, []string{jobType})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "running", job.Status)

	again, err := s.ClaimNextJob(ctx, []string{jobType})
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, s.FailJob(ctx, id, "boom"))
	var status string
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status))
	assert.Equal(t, "pending", status)

	require.NoError(t, s.FailJob(ctx, id, "boom again"))
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status))
	assert.Equal(t, "failed", status)

	assert.ErrorIs(t, s.CompleteJob(ctx, "missing"), storage.ErrNotFound)
}
