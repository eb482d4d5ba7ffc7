// Package review governs the end of a task's life: committing an approved
// draft into the recipe collection, rejecting it, or expiring it once the
// review window has passed.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// DefaultWindow is how long a draft may wait for review.
const DefaultWindow = 7 * 24 * time.Hour

// Store is the durable state the review operations touch.
type Store interface {
	GetTask(ctx context.Context, id string) (task.Record, error)
	UpdateTask(ctx context.Context, r task.Record) (task.Record, error)
	ListReviewReadyBefore(ctx context.Context, cutoff time.Time, limit int) ([]task.Record, error)
	SaveRecipe(ctx context.Context, r recipe.Recipe) error
	GetRecipe(ctx context.Context, id string) (recipe.Recipe, error)
	FindRecipeByURLHash(ctx context.Context, hash, excludeTaskID string) (recipe.Recipe, error)
	FindRecipeByTaskID(ctx context.Context, taskID string) (recipe.Recipe, error)
	DeleteRecipe(ctx context.Context, id string) error
}

// StateStore receives the ephemeral progress view.
type StateStore interface {
	Set(ctx context.Context, st task.State) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(ctx context.Context, ev task.Event) error
}

// Result is the outcome of a successful Commit.
type Result struct {
	Recipe recipe.Recipe `json:"recipe"`
	Task   task.Record   `json:"-"`
	// AlreadyCommitted is set when the task had been committed before.
	AlreadyCommitted bool `json:"already_committed"`
	// DuplicateOf names an earlier recipe from the same normalized URL.
	// It is a warning only.
	DuplicateOf string   `json:"duplicate_of,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Service commits, rejects and expires drafts.
type Service struct {
	store  Store
	states StateStore
	events Publisher
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithWindow sets the review window.
func WithWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sets where state changes are announced.
func WithNotifier(states StateStore, events Publisher) Option {
	return func(s *Service) {
		s.states = states
		s.events = events
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a review Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		window: DefaultWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Window returns the review window.
func (s *Service) Window() time.Duration { return s.window }

// Commit promotes the draft of taskID into the recipe collection.
//
// Committing an already committed task returns the earlier recipe. The task
// must otherwise be ReviewReady and inside the review window; a task found
// past the window is expired on the spot and Expired is returned. When
// expectedVersion is non-nil it must equal the task's current version or the
// call fails with Conflict and changes nothing.
//
// The recipe is written before the task is flipped to Committed. If a
// previous attempt stopped between the two writes, its recipe is reused.
func (s *Service) Commit(ctx context.Context, taskID string, expectedVersion *int64) (Result, error) {
	rec, err := s.load(ctx, taskID)
	if err != nil {
		return Result{}, err
	}

	if rec.Status == task.StatusCommitted {
		return s.committed(ctx, rec)
	}
	if rec.Status != task.StatusReviewReady {
		return Result{}, task.WrongState(taskID, rec.Status)
	}
	if s.expired(rec) {
		return Result{}, s.expireNow(ctx, rec)
	}
	if expectedVersion != nil && *expectedVersion != rec.Version {
		telemetry.ReviewOutcomes.WithLabelValues("conflict").Inc()
		return Result{}, &task.Error{
			Code:   task.CodeConflict,
			Reason: fmt.Sprintf("task %s is at version %d, not %d", taskID, rec.Version, *expectedVersion),
			Status: rec.Status,
		}
	}
	if rec.Draft == nil {
		return Result{}, task.Errorf(task.CodeWrongState, "task %s has no draft", taskID)
	}

	var res Result
	if dup, err := s.store.FindRecipeByURLHash(ctx, rec.Draft.Source.URLHash, taskID); err == nil {
		res.DuplicateOf = dup.ID
		res.Warnings = append(res.Warnings, fmt.Sprintf("recipe %s was already imported from this URL", dup.ID))
		telemetry.ReviewOutcomes.WithLabelValues("duplicate").Inc()
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("duplicate lookup failed", "task_id", taskID, "error", err)
	}

	r, created, err := s.materialize(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	res.Recipe = r

	now := s.now().UTC()
	next := rec
	next.Task.Metadata = cloneMeta(rec.Task.Metadata)
	next.Task.Metadata[task.MetaCommittedRecipeID] = r.ID
	next.Task.Metadata[task.MetaCommittedAt] = now.Format(time.RFC3339)
	if res.DuplicateOf != "" {
		next.Task.Metadata[task.MetaDuplicateOf] = res.DuplicateOf
	}
	next.Status = task.StatusCommitted
	next.Progress = 100

	saved, err := s.store.UpdateTask(ctx, next)
	if errors.Is(err, storage.ErrVersionConflict) {
		return s.lostRace(ctx, taskID, r, created)
	}
	if err != nil {
		return Result{}, fmt.Errorf("committing task %s: %w", taskID, err)
	}

	res.Task = saved
	s.announce(ctx, saved)
	telemetry.ReviewOutcomes.WithLabelValues("committed").Inc()
	s.logger.Info("draft committed", "task_id", taskID, "recipe_id", r.ID, "duplicate_of", res.DuplicateOf)
	return res, nil
}

// materialize returns the recipe for rec's draft, adopting one already
// written for the task. created reports whether this call wrote it.
func (s *Service) materialize(ctx context.Context, rec task.Record) (r recipe.Recipe, created bool, err error) {
	existing, err := s.store.FindRecipeByTaskID(ctx, rec.Task.ID)
	if err == nil {
		s.logger.Info("adopting recipe from an interrupted commit", "task_id", rec.Task.ID, "recipe_id", existing.ID)
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return recipe.Recipe{}, false, fmt.Errorf("looking up recipe of task %s: %w", rec.Task.ID, err)
	}

	now := s.now().UTC()
	r = recipe.Recipe{
		ID:        uuid.New().String(),
		TaskID:    rec.Task.ID,
		Content:   rec.Draft.Recipe,
		Source:    rec.Draft.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.SaveRecipe(ctx, r)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A concurrent commit of the same task wrote first.
		existing, ferr := s.store.FindRecipeByTaskID(ctx, rec.Task.ID)
		if ferr != nil {
			return recipe.Recipe{}, false, fmt.Errorf("loading concurrent recipe of task %s: %w", rec.Task.ID, ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return recipe.Recipe{}, false, fmt.Errorf("saving recipe for task %s: %w", rec.Task.ID, err)
	}
	return r, true, nil
}

// lostRace handles a version conflict on the final task write. If the task
// is now committed the earlier result is returned; otherwise a recipe this
// call wrote is removed and Conflict is returned.
func (s *Service) lostRace(ctx context.Context, taskID string, r recipe.Recipe, created bool) (Result, error) {
	fresh, err := s.load(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if fresh.Status == task.StatusCommitted {
		return s.committed(ctx, fresh)
	}
	if created {
		if err := s.store.DeleteRecipe(ctx, r.ID); err != nil {
			s.logger.Error("removing recipe of uncommitted task failed", "task_id", taskID, "recipe_id", r.ID, "error", err)
		}
	}
	telemetry.ReviewOutcomes.WithLabelValues("conflict").Inc()
	if fresh.Status == task.StatusExpired {
		return Result{}, task.Errorf(task.CodeExpired, "task %s expired during commit", taskID)
	}
	return Result{}, &task.Error{
		Code:   task.CodeConflict,
		Reason: fmt.Sprintf("task %s changed during commit (now %s)", taskID, fresh.Status),
		Status: fresh.Status,
	}
}

func (s *Service) committed(ctx context.Context, rec task.Record) (Result, error) {
	var (
		r   recipe.Recipe
		err error
	)
	if id := rec.Task.Metadata[task.MetaCommittedRecipeID]; id != "" {
		r, err = s.store.GetRecipe(ctx, id)
	} else {
		r, err = s.store.FindRecipeByTaskID(ctx, rec.Task.ID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading committed recipe of task %s: %w", rec.Task.ID, err)
	}
	return Result{
		Recipe:           r,
		Task:             rec,
		AlreadyCommitted: true,
		DuplicateOf:      rec.Task.Metadata[task.MetaDuplicateOf],
	}, nil
}

// Reject closes a ReviewReady task without committing it.
func (s *Service) Reject(ctx context.Context, taskID, reason string) (task.Record, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.load(ctx, taskID)
		if err != nil {
			return task.Record{}, err
		}
		if rec.Status != task.StatusReviewReady {
			return rec, task.WrongState(taskID, rec.Status)
		}
		if s.expired(rec) {
			return task.Record{}, s.expireNow(ctx, rec)
		}

		next := rec
		next.Status = task.StatusRejected
		if reason != "" {
			next.Task.Metadata = cloneMeta(rec.Task.Metadata)
			next.Task.Metadata[task.MetaRejectReason] = reason
		}
		saved, err := s.store.UpdateTask(ctx, next)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return task.Record{}, fmt.Errorf("rejecting task %s: %w", taskID, err)
		}
		s.announce(ctx, saved)
		telemetry.ReviewOutcomes.WithLabelValues("rejected").Inc()
		s.logger.Info("draft rejected", "task_id", taskID, "reason", reason)
		return saved, nil
	}
	return task.Record{}, task.Errorf(task.CodeConflict, "task %s kept changing while rejecting", taskID)
}

// Recipe returns a committed recipe by id.
func (s *Service) Recipe(ctx context.Context, id string) (recipe.Recipe, error) {
	r, err := s.store.GetRecipe(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return recipe.Recipe{}, task.Errorf(task.CodeNotFound, "recipe %s not found", id)
	}
	if err != nil {
		return recipe.Recipe{}, fmt.Errorf("loading recipe %s: %w", id, err)
	}
	return r, nil
}

func (s *Service) load(ctx context.Context, taskID string) (task.Record, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return task.Record{}, task.Errorf(task.CodeNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return rec, nil
}

// expired reports whether rec has waited in review longer than the window.
func (s *Service) expired(rec task.Record) bool {
	since := rec.UpdatedAt
	if rec.ReviewReadyAt != nil {
		since = *rec.ReviewReadyAt
	}
	return s.now().Sub(since) > s.window
}

// expireNow moves rec to Expired and returns the Expired rejection.
func (s *Service) expireNow(ctx context.Context, rec task.Record) error {
	if _, err := s.expire(ctx, rec); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		s.logger.Warn("expiring task failed", "task_id", rec.Task.ID, "error", err)
	}
	return task.Errorf(task.CodeExpired, "review window of task %s elapsed", rec.Task.ID)
}

// expire writes the Expired transition under rec's version.
func (s *Service) expire(ctx context.Context, rec task.Record) (task.Record, error) {
	next := rec
	next.Status = task.StatusExpired
	saved, err := s.store.UpdateTask(ctx, next)
	if err != nil {
		return task.Record{}, err
	}
	s.announce(ctx, saved)
	telemetry.ReviewOutcomes.WithLabelValues("expired").Inc()
	s.logger.Info("draft expired", "task_id", rec.Task.ID)
	return saved, nil
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

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}
