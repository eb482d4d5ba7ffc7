package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/larder/internal/api"
	"github.com/kalambet/larder/internal/ingest"
	"github.com/kalambet/larder/internal/task"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned JSON. A key may map
// to a list of bodies, served in order with the last one repeated.
func newTestServer(t *testing.T, responses map[string][]string) *testServer {
	t.Helper()
	ts := &testServer{}
	served := map[string]int{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})
		key := r.Method + " " + r.URL.Path
		bodies, ok := responses[key]
		i := served[key]
		served[key]++
		ts.mu.Unlock()

		if ok && len(bodies) > 0 {
			if i >= len(bodies) {
				i = len(bodies) - 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(bodies[i]))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"task x not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

var ctx = context.Background()

func TestCreateTask(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /tasks": {`{"task":{"id":"t-1","mode":"url","payload":"https://example.com/soup"},"status":"pending","progress":0,"version":1}`},
	})

	view, err := createTask(ctx, ts.client(), ingest.CreateRequest{
		ThreadID: "th-1",
		Agent:    "cli",
		Mode:     task.ModeURL,
		Payload:  "https://example.com/soup",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Task.ID != "t-1" {
		t.Errorf("id = %q, want t-1", view.Task.ID)
	}
	if view.Status != task.StatusPending {
		t.Errorf("status = %q, want pending", view.Status)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Method != "POST" || r.Path != "/tasks" {
		t.Errorf("request = %s %s, want POST /tasks", r.Method, r.Path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["payload"] != "https://example.com/soup" {
		t.Errorf("body.payload = %v", body["payload"])
	}
	if body["agent"] != "cli" {
		t.Errorf("body.agent = %v, want cli", body["agent"])
	}
	if body["thread_id"] != "th-1" {
		t.Errorf("body.thread_id = %v, want th-1", body["thread_id"])
	}
}

func TestCreateTask_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"message":"address is not public","type":"blocked"}}`))
	}))
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}

	_, err := createTask(ctx, c, ingest.CreateRequest{Mode: task.ModeURL, Payload: "http://127.0.0.1/"})
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", apiErr.StatusCode)
	}
	if apiErr.Type != "blocked" {
		t.Errorf("type = %q, want blocked", apiErr.Type)
	}
	if !strings.Contains(err.Error(), "address is not public") {
		t.Errorf("error = %q, want the server message", err)
	}
}

func TestDecodeJSON_NonEnvelopeError(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	rec.WriteString("upstream gone\n")

	err := decodeJSON(rec.Result(), &struct{}{})
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Message != "upstream gone" {
		t.Errorf("message = %q, want trimmed body", apiErr.Message)
	}
}

func TestWaitForTask_PollsUntilTerminal(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /tasks/t-1/state": {
			`{"task_id":"t-1","status":"pending","progress":0}`,
			`{"task_id":"t-1","status":"running","phase":"fetch","progress":20}`,
			`{"task_id":"t-1","status":"review_ready","phase":"review_ready","progress":100}`,
		},
	})

	st, err := waitForTask(ctx, ts.client(), "t-1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != task.StatusReviewReady {
		t.Errorf("status = %q, want review_ready", st.Status)
	}
	if n := len(ts.recorded()); n != 3 {
		t.Errorf("polled %d times, want 3", n)
	}
}

func TestWaitForTask_ContextCancelled(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /tasks/t-1/state": {`{"task_id":"t-1","status":"running","progress":10}`},
	})

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := waitForTask(cctx, ts.client(), "t-1", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestGetState_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := getState(ctx, ts.client(), "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Type != "not_found" {
		t.Fatalf("expected not_found apiError, got %v", err)
	}
}

func TestCommitDraft_SendsExpectedVersion(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /tasks/t-1/commit": {`{"recipe":{"id":"r-1","task_id":"t-1"},"already_committed":false,"warnings":["possible duplicate of r-0"]}`},
	})

	v := int64(4)
	res, err := commitDraft(ctx, ts.client(), "t-1", api.CommitRequest{ExpectedVersion: &v})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Recipe.ID != "r-1" {
		t.Errorf("recipe id = %q, want r-1", res.Recipe.ID)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", res.Warnings)
	}

	reqs := ts.recorded()
	var body map[string]any
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["expected_version"] != float64(4) {
		t.Errorf("expected_version = %v, want 4", body["expected_version"])
	}
}

func TestCommitDraft_OmitsVersionWhenUnset(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /tasks/t-1/commit": {`{"recipe":{"id":"r-1"},"already_committed":true}`},
	})

	res, err := commitDraft(ctx, ts.client(), "t-1", api.CommitRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AlreadyCommitted {
		t.Error("expected already_committed")
	}
	if body := ts.recorded()[0].Body; strings.Contains(body, "expected_version") {
		t.Errorf("body = %s, want no expected_version", body)
	}
}

func TestWatchThread(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/th-1/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range []int{20, 70, 100} {
			conn.WriteJSON(task.Event{TaskID: "t-1", ThreadID: "th-1", Status: task.StatusRunning, Progress: p})
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(srv.Close)

	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	var got []int
	if err := watchThread(ctx, c, "th-1", func(ev task.Event) {
		got = append(got, ev.Progress)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[0] != 20 || got[2] != 100 {
		t.Errorf("progress = %v, want [20 70 100]", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q, want abcd…", got)
	}
}
