package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Executor runs the pipeline for one task.
type Executor interface {
	Execute(ctx context.Context, taskID string) (task.Record, error)
}

// Worker processes ingest_recipe jobs from the job queue.
type Worker struct {
	store  JobStore
	runner Executor
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner Executor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// RunN runs n polling loops until ctx is cancelled. Each loop executes one
// task at a time, so n bounds the number of concurrent pipelines.
func (w *Worker) RunN(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest_recipe job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobIngestRecipe})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		// Record the failure even if the worker is shutting down.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if failErr := w.store.FailJob(failCtx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload storage.IngestPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.TaskID == "" {
		return errors.New("payload has no task_id")
	}

	rec, err := w.runner.Execute(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			// Nothing to retry.
			w.logger.Warn("job references a missing task", "job_id", job.ID, "task_id", payload.TaskID)
			return nil
		}
		return fmt.Errorf("executing task %s: %w", payload.TaskID, err)
	}
	w.logger.Debug("job processed", "job_id", job.ID, "task_id", payload.TaskID, "status", rec.Status)
	return nil
}
