package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/task"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by a conditional write whose expected
// version no longer matches the stored one.
var ErrVersionConflict = errors.New("version conflict")

// ErrAlreadyExists is returned when an insert collides with a unique key,
// for example a second recipe for the same task.
var ErrAlreadyExists = errors.New("already exists")

// JobIngestRecipe is the job type that runs the ingest pipeline for a task.
const JobIngestRecipe = "ingest_recipe"

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// IngestPayload is the payload of an ingest_recipe job.
type IngestPayload struct {
	TaskID string `json:"task_id"`
}

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeFormat, s) }

// Backend is the full durable store. Store (SQLite) and postgres.Store both
// implement it.
type Backend interface {
	CreateTask(ctx context.Context, r task.Record) (task.Record, error)
	GetTask(ctx context.Context, id string) (task.Record, error)
	UpdateTask(ctx context.Context, r task.Record) (task.Record, error)
	ListTasks(ctx context.Context, status task.Status, limit int) ([]task.Record, error)
	ListReviewReadyBefore(ctx context.Context, cutoff time.Time, limit int) ([]task.Record, error)

	SaveRecipe(ctx context.Context, r recipe.Recipe) error
	GetRecipe(ctx context.Context, id string) (recipe.Recipe, error)
	FindRecipeByURLHash(ctx context.Context, hash, excludeTaskID string) (recipe.Recipe, error)
	FindRecipeByTaskID(ctx context.Context, taskID string) (recipe.Recipe, error)
	DeleteRecipe(ctx context.Context, id string) error

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, types []string) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetJob(ctx context.Context, id string) (Job, error)

	Ping(ctx context.Context) error
	Close() error
}

var _ Backend = (*Store)(nil)
