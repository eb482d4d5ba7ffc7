// Package pipeline drives an ingest task through its phases: fetch,
// extract (with the similarity guard and one repair pass), validate and the
// transition to review.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/larder/internal/artifact"
	"github.com/kalambet/larder/internal/extract"
	"github.com/kalambet/larder/internal/fetch"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// Phase labels as reported in task state and events.
const (
	PhaseFetch       = "fetch"
	PhaseExtract     = "extract"
	PhaseValidate    = "validate"
	PhaseReviewReady = "review_ready"
)

// TaskStore is the durable task record store.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (task.Record, error)
	UpdateTask(ctx context.Context, r task.Record) (task.Record, error)
}

// StateStore receives the ephemeral progress view.
type StateStore interface {
	Set(ctx context.Context, st task.State) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(ctx context.Context, ev task.Event) error
}

// Fetcher retrieves a document through the SSRF guard and breaker.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Document, error)
}

// SearchResolver turns a search query into a URL.
type SearchResolver interface {
	Resolve(ctx context.Context, query string) (string, error)
}

// Extractor produces a candidate recipe from a page.
type Extractor interface {
	Extract(ctx context.Context, p *extract.Page) (*extract.Result, error)
}

// SimilarityScorer scores extracted content against the source text.
type SimilarityScorer interface {
	Score(c recipe.Content, source string) recipe.SimilarityReport
}

// Repairer rewrites the offending sections of a draft once.
type Repairer interface {
	Repair(ctx context.Context, c recipe.Content, rep recipe.SimilarityReport, source string) (recipe.Content, recipe.SimilarityReport, error)
}

// Weights are the progress contributions of each phase. They must sum to 100.
type Weights struct {
	Fetch       int
	Extract     int
	Validate    int
	ReviewReady int
}

// DefaultWeights returns the standard 20/50/20/10 split.
func DefaultWeights() Weights {
	return Weights{Fetch: 20, Extract: 50, Validate: 20, ReviewReady: 10}
}

func (w Weights) validate() error {
	for _, v := range []int{w.Fetch, w.Extract, w.Validate, w.ReviewReady} {
		if v < 0 {
			return fmt.Errorf("phase weights must not be negative")
		}
	}
	if sum := w.Fetch + w.Extract + w.Validate + w.ReviewReady; sum != 100 {
		return fmt.Errorf("phase weights sum to %d, want 100", sum)
	}
	return nil
}

// Deps are the collaborators of a Runner. Resolver, Repairer, Artifacts,
// States and Events are optional.
type Deps struct {
	Tasks     TaskStore
	Fetcher   Fetcher
	Resolver  SearchResolver
	Extractor Extractor
	Guard     SimilarityScorer
	Repairer  Repairer
	Artifacts artifact.Store
	States    StateStore
	Events    Publisher
	Logger    *slog.Logger
}

// Options tune a Runner.
type Options struct {
	Weights Weights
	// BlockUnrepaired fails the task with PolicyViolation when the draft
	// still violates the similarity policy after repair.
	BlockUnrepaired bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Runner executes ingest tasks.
type Runner struct {
	deps    Deps
	weights Weights
	strict  bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewRunner creates a Runner. A zero Weights value selects the defaults.
func NewRunner(deps Deps, opts Options) (*Runner, error) {
	if deps.Tasks == nil || deps.Fetcher == nil || deps.Extractor == nil || deps.Guard == nil {
		return nil, errors.New("pipeline: tasks, fetcher, extractor and guard are required")
	}
	w := opts.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{deps: deps, weights: w, strict: opts.BlockUnrepaired, now: now, logger: logger}, nil
}

// errStopped means the task left Running underneath the runner, usually
// because it was cancelled.
var errStopped = errors.New("task no longer running")

// run carries what one execution has produced so far.
type run struct {
	rec       task.Record
	url       string
	doc       *fetch.Document
	page      *extract.Page
	result    *extract.Result
	content   recipe.Content
	sim       recipe.SimilarityReport
	valid     recipe.ValidationReport
	artifacts []recipe.ArtifactRef
}

// Execute runs the pipeline for taskID and returns the final record.
//
// A phase failure is recorded on the task (status Failed, error code and
// reason) and is not an error of Execute. Execute returns an error only when
// the outcome could not be recorded or ctx ended, in which case the task may
// be left Running and a later Execute restarts it from the first phase.
// Tasks that are neither Pending nor Running are returned unchanged.
func (r *Runner) Execute(ctx context.Context, taskID string) (task.Record, error) {
	rec, err := r.deps.Tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return task.Record{}, task.Errorf(task.CodeNotFound, "task %s not found", taskID)
		}
		return task.Record{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if rec.Status != task.StatusPending && rec.Status != task.StatusRunning {
		return rec, nil
	}

	logger := r.logger.With("task_id", rec.Task.ID, "thread_id", rec.Task.ThreadID)
	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()

	rn := &run{rec: rec}
	rn.rec, err = r.save(ctx, rn.rec, func(t *task.Record) {
		t.Status = task.StatusRunning
		t.Phase = PhaseFetch
		t.Progress = 0
		t.Error, t.ErrorCode = "", ""
	})
	if err != nil {
		return r.finish(ctx, logger, rn, err)
	}
	logger.Info("ingest started", "mode", rec.Task.Mode)

	phases := []struct {
		name   string
		next   string
		weight int
		fn     func(context.Context, *run) error
	}{
		{PhaseFetch, PhaseExtract, r.weights.Fetch, r.fetch},
		{PhaseExtract, PhaseValidate, r.weights.Extract, r.extract},
		{PhaseValidate, PhaseReviewReady, r.weights.Validate, r.validate},
	}
	progress := 0
	for _, ph := range phases {
		if err := r.runPhase(ctx, logger, ph.name, rn, ph.fn); err != nil {
			return r.finish(ctx, logger, rn, err)
		}
		progress += ph.weight
		p, next := progress, ph.next
		if rn.rec, err = r.save(ctx, rn.rec, func(t *task.Record) {
			t.Phase = next
			t.Progress = p
		}); err != nil {
			return r.finish(ctx, logger, rn, err)
		}
	}

	draft := r.draft(rn)
	readyAt := r.now().UTC()
	rn.rec, err = r.save(ctx, rn.rec, func(t *task.Record) {
		t.Status = task.StatusReviewReady
		t.Phase = PhaseReviewReady
		t.Progress = 100
		t.Draft = &draft
		t.ReviewReadyAt = &readyAt
	})
	if err != nil {
		return r.finish(ctx, logger, rn, err)
	}
	telemetry.TasksFinished.WithLabelValues(string(task.StatusReviewReady)).Inc()
	logger.Info("draft ready for review",
		"recipe", draft.Recipe.Name,
		"method", draft.Source.ExtractionMethod,
		"confidence", draft.Source.Confidence,
		"violates_policy", draft.Similarity.ViolatesPolicy,
		"still_violates_policy", draft.Similarity.StillViolatesPolicy,
	)
	return rn.rec, nil
}

func (r *Runner) runPhase(ctx context.Context, logger *slog.Logger, name string, rn *run, fn func(context.Context, *run) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "phase."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("larder.task_id", rn.rec.Task.ID),
		attribute.String("larder.phase", name),
	)

	start := time.Now()
	err := fn(ctx, rn)
	telemetry.PhaseDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("phase failed", "phase", name, "error", err)
		return err
	}
	return nil
}

// finish records a failed run. Context and storage errors are returned to
// the caller; phase failures become a Failed task.
func (r *Runner) finish(ctx context.Context, logger *slog.Logger, rn *run, err error) (task.Record, error) {
	if errors.Is(err, errStopped) {
		logger.Info("ingest stopped", "status", rn.rec.Status)
		telemetry.TasksFinished.WithLabelValues(string(rn.rec.Status)).Inc()
		return rn.rec, nil
	}
	if ctx.Err() != nil {
		return rn.rec, ctx.Err()
	}
	var te *task.Error
	if !errors.As(err, &te) {
		return rn.rec, err
	}

	logger.Warn("ingest failed", "phase", rn.rec.Phase, "code", te.Code, "error", err)
	rec, saveErr := r.save(ctx, rn.rec, func(t *task.Record) {
		t.Status = task.StatusFailed
		t.Error = task.ReasonOf(err)
		t.ErrorCode = te.Code
	})
	if saveErr != nil {
		if errors.Is(saveErr, errStopped) {
			return rec, nil
		}
		return rn.rec, fmt.Errorf("recording failure of task %s: %w", rn.rec.Task.ID, saveErr)
	}
	telemetry.TasksFinished.WithLabelValues(string(task.StatusFailed)).Inc()
	return rec, nil
}

// save applies mutate and writes the record under its version. On a version
// conflict the record is reloaded; if it is still Running the mutation is
// applied once more, otherwise errStopped is returned with the fresh record.
func (r *Runner) save(ctx context.Context, rec task.Record, mutate func(*task.Record)) (task.Record, error) {
	for attempt := 0; ; attempt++ {
		next := rec
		mutate(&next)
		if !r.allowed(rec.Status, next.Status) {
			return rec, errStopped
		}
		saved, err := r.deps.Tasks.UpdateTask(ctx, next)
		if err == nil {
			r.publish(ctx, saved)
			return saved, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) || attempt > 0 {
			return rec, err
		}
		fresh, gerr := r.deps.Tasks.GetTask(ctx, rec.Task.ID)
		if gerr != nil {
			return rec, fmt.Errorf("reloading task %s: %w", rec.Task.ID, gerr)
		}
		if fresh.Status != task.StatusRunning && fresh.Status != task.StatusPending {
			return fresh, errStopped
		}
		rec = fresh
	}
}

func (r *Runner) allowed(from, to task.Status) bool {
	if from == to {
		return from == task.StatusRunning
	}
	return from.CanTransition(to)
}

// publish pushes the new state to the ephemeral store and the thread's
// subscribers. Both are best effort.
func (r *Runner) publish(ctx context.Context, rec task.Record) {
	if r.deps.States != nil {
		if err := r.deps.States.Set(ctx, rec.State()); err != nil {
			r.logger.Warn("storing task state failed", "task_id", rec.Task.ID, "error", err)
		}
	}
	if r.deps.Events != nil {
		ev := task.Event{
			TaskID:   rec.Task.ID,
			ThreadID: rec.Task.ThreadID,
			Status:   rec.Status,
			Phase:    rec.Phase,
			Progress: rec.Progress,
			Error:    rec.Error,
			At:       rec.UpdatedAt,
		}
		if err := r.deps.Events.Publish(ctx, ev); err != nil {
			r.logger.Warn("publishing task event failed", "task_id", rec.Task.ID, "error", err)
		}
	}
}

func (r *Runner) fetch(ctx context.Context, rn *run) error {
	target := rn.rec.Task.Payload
	if rn.rec.Task.Mode == task.ModeSearch {
		if r.deps.Resolver == nil {
			return task.Errorf(task.CodeExtractionFailed, "search mode is not configured")
		}
		u, err := r.deps.Resolver.Resolve(ctx, target)
		if err != nil {
			return classify(ctx, err, "search failed")
		}
		r.logger.Debug("search resolved", "task_id", rn.rec.Task.ID, "query", target, "url", u)
		target = u
	}

	doc, err := r.deps.Fetcher.Fetch(ctx, target)
	if err != nil {
		return classify(ctx, err, "fetch failed")
	}
	rn.doc = doc
	rn.url = doc.FinalURL
	if rn.url == "" {
		rn.url = doc.URL
	}
	r.store(ctx, rn, recipe.ArtifactRawFetch, doc.Body, doc.ContentType)

	page, err := extract.NewPage(rn.url, doc.ContentType, doc.Body)
	if err != nil {
		return task.Wrap(task.CodeExtractionFailed, err, "unreadable document")
	}
	rn.page = page
	r.store(ctx, rn, recipe.ArtifactSanitizedText, []byte(page.Text()), "text/plain; charset=utf-8")
	return nil
}

// classify gives uncoded failures of the fetch phase a stable code.
func classify(ctx context.Context, err error, reason string) error {
	if ctx.Err() != nil || task.CodeOf(err) != "" {
		return err
	}
	return task.Wrap(task.CodeExtractionFailed, err, "%s", reason)
}

func (r *Runner) extract(ctx context.Context, rn *run) error {
	res, err := r.deps.Extractor.Extract(ctx, rn.page)
	if err != nil {
		return err
	}
	rn.result = res
	rn.content = res.Recipe
	if len(res.Payload) > 0 {
		r.store(ctx, rn, recipe.ArtifactExtraction, res.Payload, "application/json")
	}

	source := rn.page.SourceText()
	rn.sim = r.deps.Guard.Score(rn.content, source)
	if !rn.sim.ViolatesPolicy {
		return nil
	}
	telemetry.SimilarityViolations.WithLabelValues("initial").Inc()

	if r.deps.Repairer != nil {
		content, rep, err := r.deps.Repairer.Repair(ctx, rn.content, rn.sim, source)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("similarity repair failed", "task_id", rn.rec.Task.ID, "error", err)
		}
		rn.content, rn.sim = content, rep
	} else {
		rn.sim.StillViolatesPolicy = true
	}

	if rn.sim.StillViolatesPolicy && r.strict {
		var names []string
		for _, s := range rn.sim.Offending() {
			names = append(names, s.Section)
		}
		return task.Errorf(task.CodePolicyViolation, "sections too close to the source: %v", names)
	}
	return nil
}

func (r *Runner) validate(ctx context.Context, rn *run) error {
	rn.valid = recipe.Validate(rn.content)
	if b, err := json.Marshal(rn.valid); err == nil {
		r.store(ctx, rn, recipe.ArtifactValidation, b, "application/json")
	}
	if !rn.valid.IsValid() {
		first := rn.valid.Errors[0]
		return task.Errorf(task.CodeExtractionFailed, "invalid recipe: %s: %s (%d errors)",
			first.Field, first.Message, len(rn.valid.Errors))
	}
	return nil
}

func (r *Runner) draft(rn *run) recipe.Draft {
	src := recipe.Source{
		URL:              rn.url,
		SiteName:         rn.result.SiteName,
		Author:           rn.result.Author,
		RetrievedAt:      rn.doc.RetrievedAt,
		ExtractionMethod: rn.result.Method,
		Confidence:       rn.result.Confidence,
		LicenseHint:      rn.result.License,
	}
	if hash, err := recipe.HashURL(rn.url); err == nil {
		src.URLHash = hash
	}
	return recipe.Draft{
		TaskID:     rn.rec.Task.ID,
		Recipe:     rn.content,
		Source:     src,
		Validation: rn.valid,
		Similarity: rn.sim,
		Artifacts:  rn.artifacts,
		CreatedAt:  r.now().UTC(),
	}
}

// store saves a byproduct. Failures are logged and the reference omitted.
func (r *Runner) store(ctx context.Context, rn *run, kind recipe.ArtifactKind, data []byte, contentType string) {
	if r.deps.Artifacts == nil {
		return
	}
	path := artifact.Path(rn.rec.Task.ID, kind, artifact.Extension(contentType))
	uri, err := r.deps.Artifacts.Put(ctx, path, data, contentType)
	if err != nil {
		r.logger.Warn("storing artifact failed", "task_id", rn.rec.Task.ID, "kind", kind, "error", err)
		return
	}
	rn.artifacts = append(rn.artifacts, recipe.ArtifactRef{
		Kind:        kind,
		URI:         uri,
		ContentType: contentType,
		Size:        len(data),
	})
}
