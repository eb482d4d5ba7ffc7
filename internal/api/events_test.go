package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/larder/internal/task"
)

func TestThreadEventsStreamsPublishedEvents(t *testing.T) {
	deps, _, hub := newTestDeps(t)
	srv := httptest.NewServer(NewHandler(deps))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/threads/th-1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade completes, so keep
	// publishing until the first event arrives.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				hub.Publish(ctx, task.Event{TaskID: "t1", ThreadID: "th-1", Status: task.StatusRunning, Phase: "fetch"})
				hub.Publish(ctx, task.Event{TaskID: "t2", ThreadID: "other", Status: task.StatusFailed})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 3; i++ {
		var ev task.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.ThreadID != "th-1" || ev.TaskID != "t1" || ev.Status != task.StatusRunning {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestThreadEventsNotRoutedWithoutSubscriber(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	deps.Events = nil
	rec := doRequest(NewHandler(deps), "GET", "/threads/th-1/events", "")
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
