package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/larder/internal/notify"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleThreadEvents streams a thread's task events as JSON text frames.
// Events published while no client is attached are not replayed; clients
// read current state from GET /tasks/{id}/state.
func handleThreadEvents(sub notify.Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "thread_id", threadID, "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, unsubscribe, err := sub.Subscribe(ctx, threadID)
		if err != nil {
			slog.Warn("subscribing to thread failed", "thread_id", threadID, "error", err)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(eventWriteWait))
			return
		}
		defer unsubscribe()

		// The read loop only notices the client going away.
		conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(eventPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
					return
				}
			}
		}
	}
}
