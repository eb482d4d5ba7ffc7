package completion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/larder/internal/telemetry"
)

const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no Anthropic API key is configured.
var ErrAPIKeyRequired = errors.New("API key required")

// Anthropic completes text with the Anthropic Messages API.
type Anthropic struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropic creates an Anthropic completer. Extra request options (for
// example option.WithBaseURL) are passed to the SDK client.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set LARDER_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client:         anthropic.NewClient(opts...),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Complete sends the conversation and returns the first text block.
// Rate limits and server errors are retried with exponential backoff.
func (a *Anthropic) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	ctx, span := telemetry.Tracer("completion").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("larder.ai.model", string(a.model)))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			span.SetAttributes(
				attribute.Int64("larder.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("larder.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("larder.ai.attempts", attempt+1),
			)
			for _, block := range message.Content {
				if block.Type == "text" {
					return block.Text, nil
				}
			}
			return "", fmt.Errorf("unexpected response format: no text block")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return "", fmt.Errorf("failed after %d attempts: %w", a.maxRetries+1, lastErr)
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
