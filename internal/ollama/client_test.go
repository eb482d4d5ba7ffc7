package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "qwen2.5:7b"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "llama3.1") {
		t.Error("HasModel(llama3.1) = false, want true")
	}
	if c.HasModel(context.Background(), "mistral") {
		t.Error("HasModel(mistral) = true, want false")
	}
}

func TestChat_SendsFormatAndOptions(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: `{"name":"Soup"}`},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), ChatRequest{
		Model:    "llama3.1",
		Messages: []Message{{Role: "system", Content: "extract"}, {Role: "user", Content: "page"}},
		Format:   "json",
		Options:  &Options{NumPredict: 512},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != `{"name":"Soup"}` {
		t.Errorf("result = %q", result)
	}
	if got.Format != "json" {
		t.Errorf("format = %q, want json", got.Format)
	}
	if got.Stream {
		t.Error("stream = true, want false")
	}
	if got.Options == nil || got.Options.NumPredict != 512 {
		t.Errorf("options = %+v, want num_predict 512", got.Options)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestChat_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), ChatRequest{Model: "x"})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v, want status error with body", err)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "llama3.1" {
			t.Errorf("pull model = %v, want llama3.1", body["name"])
		}
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var progressCount int
	err := New(srv.URL).PullModel(context.Background(), "llama3.1", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "llama3.1", io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}
	if !strings.Contains(err.Error(), "Ollama is not running") {
		t.Errorf("error = %q, want it to mention Ollama is not running", err)
	}
}
