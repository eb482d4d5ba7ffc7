// Package completion provides text completion backends used for recipe
// extraction and rewriting.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is one turn of a completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a single user turn.
func UserMessage(text string) []Message {
	return []Message{{Role: "user", Content: text}}
}

// Completer produces a text completion.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error)
}

// Func adapts a function to Completer.
type Func func(ctx context.Context, system string, messages []Message, maxTokens int) (string, error)

func (f Func) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	return f(ctx, system, messages, maxTokens)
}

// ErrNoJSON is returned by DecodeJSON when the text holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in completion")

// DecodeJSON extracts the outermost JSON object from a completion, which
// may be wrapped in prose or a fenced code block, and decodes it into v.
func DecodeJSON(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decoding completion JSON: %w", err)
	}
	return nil
}
