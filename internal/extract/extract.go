// Package extract converts fetched pages into candidate recipes using an
// ordered list of extractors: structured markup first, text generation as
// the fallback.
package extract

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/task"
	"github.com/kalambet/larder/internal/telemetry"
)

// Result is one extractor's output.
type Result struct {
	Recipe     recipe.Content
	Author     string
	SiteName   string
	License    string
	Confidence float64
	Method     string
	// Payload is the raw material the extractor worked from, kept as an
	// artifact for review.
	Payload []byte
}

// Extractor produces a candidate recipe from a page. It returns a nil
// Result when the page holds nothing it can use.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, p *Page) (*Result, error)
}

// Chain tries extractors in order and stops at the first complete recipe.
type Chain struct {
	extractors []Extractor
	logger     *slog.Logger
}

// NewChain creates a Chain over extractors in priority order.
func NewChain(logger *slog.Logger, extractors ...Extractor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{extractors: extractors, logger: logger}
}

// Extract runs the chain. If no extractor yields a named recipe with at
// least one ingredient and one instruction it fails with ExtractionFailed.
func (c *Chain) Extract(ctx context.Context, p *Page) (*Result, error) {
	var lastErr error
	for _, e := range c.extractors {
		res, err := e.Extract(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("extractor failed", "extractor", e.Name(), "url", p.URL, "error", err)
			lastErr = err
			continue
		}
		if res == nil {
			c.logger.Debug("extractor found nothing", "extractor", e.Name(), "url", p.URL)
			continue
		}
		if res.Recipe.Complete() {
			telemetry.ExtractionsByMethod.WithLabelValues(res.Method).Inc()
			return res, nil
		}
		c.logger.Debug("extractor result incomplete", "extractor", e.Name(), "url", p.URL,
			"ingredients", len(res.Recipe.Ingredients), "instructions", len(res.Recipe.Instructions))
	}
	if lastErr != nil && errors.Is(lastErr, task.ErrTransient) {
		return nil, lastErr
	}
	return nil, &task.Error{Code: task.CodeExtractionFailed, Reason: "no recipe content", Err: lastErr}
}
