package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/larder/internal/notify"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/statestore"
	"github.com/kalambet/larder/internal/storage"
	"github.com/kalambet/larder/internal/task"
)

func newTestService(t *testing.T) (*Service, *storage.Store, *notify.Hub) {
	t.Helper()
	store := openTestStore(t)
	hub := notify.NewHub()
	return NewService(store, statestore.NewMemory(100, time.Hour), hub, 0), store, hub
}

func TestServiceCreateEnqueuesJob(t *testing.T) {
	svc, store, hub := newTestService(t)
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, "thread-a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	rec, err := svc.Create(ctx, CreateRequest{
		ThreadID: "thread-a",
		Mode:     task.ModeURL,
		Payload:  "  https://example.com/soup  ",
		Metadata: map[string]string{"by": "agent"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != task.StatusPending || rec.Version != 1 {
		t.Errorf("status=%s version=%d, want pending/1", rec.Status, rec.Version)
	}
	if rec.Task.Payload != "https://example.com/soup" {
		t.Errorf("payload = %q, want trimmed url", rec.Task.Payload)
	}

	job, err := store.ClaimNextJob(ctx, []string{storage.JobIngestRecipe})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v; want a job", job, err)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", job.MaxAttempts)
	}

	st, err := svc.State(ctx, rec.Task.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Status != task.StatusPending {
		t.Errorf("state status = %s, want pending", st.Status)
	}

	select {
	case ev := <-events:
		if ev.TaskID != rec.Task.ID || ev.Status != task.StatusPending {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestServiceCreateDefaultsThreadToTaskID(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec, err := svc.Create(context.Background(), CreateRequest{Payload: "https://example.com/x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Task.ThreadID != rec.Task.ID {
		t.Errorf("thread = %q, want task id %q", rec.Task.ThreadID, rec.Task.ID)
	}
	if rec.Task.Mode != task.ModeURL {
		t.Errorf("mode = %q, want url", rec.Task.Mode)
	}
}

func TestServiceCreateRejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []struct {
		name string
		req  CreateRequest
		code task.Code
	}{
		{"empty payload", CreateRequest{Mode: task.ModeURL, Payload: " "}, task.CodeInvalidRequest},
		{"ftp scheme", CreateRequest{Mode: task.ModeURL, Payload: "ftp://example.com/a"}, task.CodeBlocked},
		{"unknown mode", CreateRequest{Mode: "pdf", Payload: "x"}, task.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.req)
			if got := task.CodeOf(err); got != tt.code {
				t.Errorf("code = %q, want %q (err %v)", got, tt.code, err)
			}
		})
	}
}

func TestServiceStateUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)
	st, err := svc.State(context.Background(), "nope")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Status != task.StatusUnknown {
		t.Errorf("status = %s, want unknown", st.Status)
	}
}

func TestServiceStateFallsBackToRecordWithoutStateStore(t *testing.T) {
	store := openTestStore(t)
	svc := NewService(store, nil, nil, 0)
	rec, err := svc.Create(context.Background(), CreateRequest{Payload: "https://example.com/x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	st, err := svc.State(context.Background(), rec.Task.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", st.Status)
	}
}

func TestServiceDraft(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateRequest{Payload: "https://example.com/x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = svc.Draft(ctx, rec.Task.ID)
	if !errors.Is(err, task.ErrWrongState) {
		t.Fatalf("Draft before pipeline = %v, want WrongState", err)
	}

	rec.Status = task.StatusRunning
	rec, err = store.UpdateTask(ctx, rec)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	now := time.Now().UTC()
	rec.Status = task.StatusReviewReady
	rec.ReviewReadyAt = &now
	rec.Draft = &recipe.Draft{TaskID: rec.Task.ID, Recipe: recipe.Content{Name: "X"}}
	if _, err := store.UpdateTask(ctx, rec); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := svc.Draft(ctx, rec.Task.ID)
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got.Draft.Recipe.Name != "X" || got.Version != 3 {
		t.Errorf("draft name=%q version=%d, want X/3", got.Draft.Recipe.Name, got.Version)
	}

	if _, err := svc.Draft(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Draft(missing) = %v, want NotFound", err)
	}
}

func TestServiceCancel(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateRequest{Payload: "https://example.com/x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := svc.Cancel(ctx, rec.Task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelling again never alters a terminal task.
	again, err := svc.Cancel(ctx, rec.Task.ID)
	var te *task.Error
	if !errors.As(err, &te) || te.Code != task.CodeWrongState || te.Status != task.StatusCancelled {
		t.Fatalf("second Cancel = %v, want WrongState(cancelled)", err)
	}
	if again.Version != got.Version {
		t.Errorf("version changed from %d to %d", got.Version, again.Version)
	}

	stored, err := store.GetTask(ctx, rec.Task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.Status)
	}

	st, _ := svc.State(ctx, rec.Task.ID)
	if st.Status != task.StatusCancelled {
		t.Errorf("state status = %s, want cancelled", st.Status)
	}
}

func TestServiceCancelReviewReadyIsWrongState(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateRequest{Payload: "https://example.com/x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.Status = task.StatusRunning
	if rec, err = store.UpdateTask(ctx, rec); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	rec.Status = task.StatusReviewReady
	if _, err = store.UpdateTask(ctx, rec); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	if _, err := svc.Cancel(ctx, rec.Task.ID); !errors.Is(err, task.ErrWrongState) {
		t.Errorf("Cancel = %v, want WrongState", err)
	}
}

// unqueueableStore persists tasks but refuses every job.
type unqueueableStore struct {
	*storage.Store
	created string
}

func (s *unqueueableStore) CreateTask(ctx context.Context, r task.Record) (task.Record, error) {
	s.created = r.Task.ID
	return s.Store.CreateTask(ctx, r)
}

func (s *unqueueableStore) EnqueueJob(context.Context, storage.Job) error {
	return errors.New("queue unavailable")
}

func TestServiceCreateFailsTaskWhenEnqueueFails(t *testing.T) {
	store := &unqueueableStore{Store: openTestStore(t)}
	states := statestore.NewMemory(100, time.Hour)
	svc := NewService(store, states, nil, 0)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Payload: "https://example.com/x"})
	if !errors.Is(err, task.ErrTransient) {
		t.Fatalf("Create = %v, want Transient", err)
	}
	if store.created == "" {
		t.Fatal("expected the task to be persisted before enqueueing")
	}

	stored, err := store.GetTask(ctx, store.created)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
	if stored.ErrorCode != task.CodeTransient {
		t.Errorf("error code = %q, want transient", stored.ErrorCode)
	}

	st, err := svc.State(ctx, store.created)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Status != task.StatusFailed {
		t.Errorf("state status = %s, want failed", st.Status)
	}
}
