package completion

import (
	"context"

	"github.com/kalambet/larder/internal/ollama"
)

// Ollama completes text with a local Ollama model.
type Ollama struct {
	client *ollama.Client
	model  string
	// JSON constrains replies to a JSON value.
	JSON bool
}

// NewOllama creates an Ollama completer for model.
func NewOllama(client *ollama.Client, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	msgs := make([]ollama.Message, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: system})
	}
	for _, m := range messages {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}
	req := ollama.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Options:  &ollama.Options{Temperature: 0.2, NumPredict: maxTokens},
	}
	if o.JSON {
		req.Format = "json"
	}
	return o.client.Chat(ctx, req)
}
