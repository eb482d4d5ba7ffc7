// Package api exposes ingest tasks and review decisions over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/larder/internal/ingest"
	"github.com/kalambet/larder/internal/notify"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/review"
	"github.com/kalambet/larder/internal/task"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TaskLister lists durable task records.
type TaskLister interface {
	ListTasks(ctx context.Context, status task.Status, limit int) ([]task.Record, error)
}

// Deps holds what the HTTP handler serves.
type Deps struct {
	Ingest *ingest.Service
	Review *review.Service
	Tasks  TaskLister        // optional; if nil, GET /tasks is not routed
	Events notify.Subscriber // optional; if nil, thread events are not routed
	Ping   func(ctx context.Context) error
}

// TaskView is the wire form of a durable task record.
type TaskView struct {
	Task          task.Task     `json:"task"`
	Status        task.Status   `json:"status"`
	Progress      int           `json:"progress"`
	Phase         string        `json:"phase,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorCode     task.Code     `json:"error_code,omitempty"`
	Draft         *recipe.Draft `json:"draft,omitempty"`
	ReviewReadyAt *time.Time    `json:"review_ready_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int64         `json:"version"`
}

func viewOf(r task.Record) TaskView {
	return TaskView{
		Task:          r.Task,
		Status:        r.Status,
		Progress:      r.Progress,
		Phase:         r.Phase,
		Error:         r.Error,
		ErrorCode:     r.ErrorCode,
		Draft:         r.Draft,
		ReviewReadyAt: r.ReviewReadyAt,
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
}

// CommitRequest optionally pins the version the reviewer looked at.
type CommitRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// RejectRequest carries the reviewer's reason.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// NewHandler returns the REST surface for tasks, drafts and recipes.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/tasks", handleCreateTask(deps))
	if deps.Tasks != nil {
		r.Get("/tasks", handleListTasks(deps))
	}
	r.Get("/tasks/{id}", handleGetTask(deps))
	r.Get("/tasks/{id}/state", handleGetState(deps))
	r.Get("/tasks/{id}/draft", handleGetDraft(deps))
	r.Post("/tasks/{id}/commit", handleCommit(deps))
	r.Post("/tasks/{id}/reject", handleReject(deps))
	r.Post("/tasks/{id}/cancel", handleCancel(deps))
	r.Get("/recipes/{id}", handleGetRecipe(deps))
	if deps.Events != nil {
		r.Get("/threads/{id}/events", handleThreadEvents(deps.Events))
	}

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				httpError(w, http.StatusServiceUnavailable, "unavailable", "storage unreachable: %v", err)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ingest.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Agent == "" {
			req.Agent = "http"
		}

		rec, err := deps.Ingest.Create(r.Context(), req)
		if err != nil {
			writeTaskError(w, "create task", err)
			return
		}
		writeJSON(w, http.StatusAccepted, viewOf(rec))
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		status := task.Status(r.URL.Query().Get("status"))

		recs, err := deps.Tasks.ListTasks(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		views := make([]TaskView, len(recs))
		for i, rec := range recs {
			views[i] = viewOf(rec)
			views[i].Draft = nil
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Ingest.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTaskError(w, "get task", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

func handleGetState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Ingest.State(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTaskError(w, "get state", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetDraft(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Ingest.Draft(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTaskError(w, "get draft", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": rec.Task.ID,
			"status":  rec.Status,
			"version": rec.Version,
			"draft":   rec.Draft,
		})
	}
}

func handleCommit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CommitRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		res, err := deps.Review.Commit(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion)
		if err != nil {
			writeTaskError(w, "commit", err)
			return
		}
		status := http.StatusCreated
		if res.AlreadyCommitted {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

func handleReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RejectRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		rec, err := deps.Review.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeTaskError(w, "reject", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Ingest.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTaskError(w, "cancel", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}

func handleGetRecipe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Review.Recipe(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeTaskError(w, "get recipe", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// decodeOptional decodes a JSON body into v, treating an empty body as
// the zero value. It writes the error response and returns false on a
// malformed body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
	return false
}
