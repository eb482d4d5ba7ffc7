package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
)

// TaskStore is the durable side of the service.
type TaskStore interface {
	CreateTask(ctx context.Context, r task.Record) (task.Record, error)
	GetTask(ctx context.Context, id string) (task.Record, error)
	UpdateTask(ctx context.Context, r task.Record) (task.Record, error)
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// StateStore is the ephemeral progress view.
type StateStore interface {
	Get(ctx context.Context, taskID string) (task.State, bool, error)
	Set(ctx context.Context, st task.State) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(ctx context.Context, ev task.Event) error
}

// CreateRequest describes a new ingest task.
type CreateRequest struct {
	ThreadID string            `json:"thread_id"`
	Agent    string            `json:"agent,omitempty"`
	Mode     task.Mode         `json:"mode"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service is the produced interface of the ingest core: create a task,
// read its state and draft, and cancel it.
type Service struct {
	store       TaskStore
	states      StateStore
	events      Publisher
	maxAttempts int
	logger      *slog.Logger
}

// NewService creates a Service. states and events may be nil. maxAttempts
// bounds how often the ingest job is retried after an infrastructure
// failure; values <= 0 mean 3.
func NewService(store TaskStore, states StateStore, events Publisher, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:       store,
		states:      states,
		events:      events,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
}

// Create validates req, persists a Pending task and enqueues its pipeline
// run. A task whose job cannot be enqueued is marked Failed with a
// transient code, so no Pending task is left without a job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (task.Record, error) {
	req.Payload = strings.TrimSpace(req.Payload)
	if req.Mode == "" {
		req.Mode = task.ModeURL
	}
	if req.Payload == "" {
		return task.Record{}, task.Errorf(task.CodeInvalidRequest, "payload is required")
	}
	switch req.Mode {
	case task.ModeURL:
		if _, err := recipe.NormalizeURL(req.Payload); err != nil {
			return task.Record{}, task.Wrap(task.CodeBlocked, err, "invalid source url")
		}
	case task.ModeSearch:
	default:
		return task.Record{}, task.Errorf(task.CodeInvalidRequest, "unknown mode %q", req.Mode)
	}

	id := uuid.New().String()
	threadID := req.ThreadID
	if threadID == "" {
		threadID = id
	}
	rec, err := s.store.CreateTask(ctx, task.Record{
		Task: task.Task{
			ID:        id,
			ThreadID:  threadID,
			Agent:     req.Agent,
			Mode:      req.Mode,
			Payload:   req.Payload,
			CreatedAt: time.Now().UTC(),
			Metadata:  req.Metadata,
		},
		Status: task.StatusPending,
	})
	if err != nil {
		return task.Record{}, fmt.Errorf("creating task: %w", err)
	}

	payload, err := json.Marshal(storage.IngestPayload{TaskID: id})
	if err != nil {
		return task.Record{}, fmt.Errorf("encoding job payload: %w", err)
	}
	if err := s.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIngestRecipe,
		PayloadJSON: string(payload),
		MaxAttempts: s.maxAttempts,
	}); err != nil {
		return task.Record{}, s.abandon(ctx, rec, err)
	}

	s.announce(ctx, rec)
	s.logger.Info("ingest task created", "task_id", id, "thread_id", threadID, "mode", req.Mode)
	return rec, nil
}

// State returns the ephemeral state of a task. A task whose state has
// expired, or never existed, reports StatusUnknown.
func (s *Service) State(ctx context.Context, id string) (task.State, error) {
	if s.states == nil {
		rec, err := s.store.GetTask(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return task.State{TaskID: id, Status: task.StatusUnknown}, nil
		}
		if err != nil {
			return task.State{}, err
		}
		return rec.State(), nil
	}
	st, ok, err := s.states.Get(ctx, id)
	if err != nil {
		return task.State{}, fmt.Errorf("reading state of task %s: %w", id, err)
	}
	if !ok {
		return task.State{TaskID: id, Status: task.StatusUnknown}, nil
	}
	return st, nil
}

// Get returns the durable record of a task.
func (s *Service) Get(ctx context.Context, id string) (task.Record, error) {
	rec, err := s.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return task.Record{}, task.Errorf(task.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("loading task %s: %w", id, err)
	}
	return rec, nil
}

// Draft returns the task record holding its draft. The record's Version is
// the token a reviewer passes back to Commit.
func (s *Service) Draft(ctx context.Context, id string) (task.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return task.Record{}, err
	}
	if rec.Draft == nil {
		return task.Record{}, &task.Error{
			Code:   task.CodeWrongState,
			Reason: fmt.Sprintf("task %s has no draft (status %s)", id, rec.Status),
			Status: rec.Status,
		}
	}
	return rec, nil
}

// Cancel moves a Pending or Running task to Cancelled. A running pipeline
// notices at its next phase boundary. Any other status is left untouched
// and reported as WrongState.
func (s *Service) Cancel(ctx context.Context, id string) (task.Record, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return task.Record{}, err
		}
		if !rec.Status.CanTransition(task.StatusCancelled) {
			return rec, task.WrongState(id, rec.Status)
		}
		rec.Status = task.StatusCancelled
		saved, err := s.store.UpdateTask(ctx, rec)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return task.Record{}, fmt.Errorf("cancelling task %s: %w", id, err)
		}
		s.announce(ctx, saved)
		s.logger.Info("ingest task cancelled", "task_id", id)
		return saved, nil
	}
	return task.Record{}, task.Errorf(task.CodeConflict, "task %s kept changing while cancelling", id)
}

// abandon fails a task whose job was never enqueued and returns the
// transient error reported to the caller.
func (s *Service) abandon(ctx context.Context, rec task.Record, cause error) error {
	id := rec.Task.ID
	rec.Status = task.StatusFailed
	rec.Error = "enqueueing pipeline run: " + cause.Error()
	rec.ErrorCode = task.CodeTransient
	saved, err := s.store.UpdateTask(context.WithoutCancel(ctx), rec)
	if err != nil {
		s.logger.Error("failing unqueued task", "task_id", id, "error", err, "cause", cause)
	} else {
		s.announce(ctx, saved)
	}
	s.logger.Warn("ingest task not enqueued", "task_id", id, "error", cause)
	return task.Wrap(task.CodeTransient, cause, "enqueueing task %s", id)
}

func (s *Service) announce(ctx context.Context, rec task.Record) {
	if s.states != nil {
		if err := s.states.Set(ctx, rec.State()); err != nil {
			s.logger.Warn("storing task state failed", "task_id", rec.Task.ID, "error", err)
		}
	}
	if s.events != nil {
		ev := task.Event{
			TaskID:   rec.Task.ID,
			ThreadID: rec.Task.ThreadID,
			Status:   rec.Status,
			Phase:    rec.Phase,
			Progress: rec.Progress,
			At:       rec.UpdatedAt,
		}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("publishing task event failed", "task_id", rec.Task.ID, "error", err)
		}
	}
}
