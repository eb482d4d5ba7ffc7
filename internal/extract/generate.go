package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/larder/internal/completion"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/task"
)

const extractSystemPrompt = `You extract a single cooking recipe from web page text.

Return ONLY a JSON object with this shape:
{"found": true, "name": "", "description": "", "yield": "", "prep_time": "", "cook_time": "", "total_time": "",
 "ingredients": [{"text": "", "section": ""}], "instructions": [{"text": "", "section": ""}],
 "cuisine": "", "category": "", "keywords": [], "confidence": 0.0}

Rules:
- Times use ISO 8601 durations such as PT1H30M. Leave unknown fields empty.
- Copy ingredient lines exactly, including quantities and units.
- Write instructions in your own words. Keep every quantity, temperature, time and technique.
- Write the description as one or two sentences of your own.
- confidence is your certainty from 0 to 1 that the text describes a real recipe.
- If the text contains no recipe, return {"found": false}.`

const generateMaxTokens = 4096

type generatedRecipe struct {
	Found       bool     `json:"found"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Yield       string   `json:"yield"`
	PrepTime    string   `json:"prep_time"`
	CookTime    string   `json:"cook_time"`
	TotalTime   string   `json:"total_time"`
	Cuisine     string   `json:"cuisine"`
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords"`
	Confidence  float64  `json:"confidence"`
	Ingredients []struct {
		Text    string `json:"text"`
		Section string `json:"section"`
	} `json:"ingredients"`
	Instructions []struct {
		Text    string `json:"text"`
		Section string `json:"section"`
	} `json:"instructions"`
}

// TextGeneration asks a completion backend to read the page text. It is the
// fallback for pages without usable structured markup.
type TextGeneration struct {
	completer completion.Completer
	budget    int
}

// NewTextGeneration creates the text-generation tier. A budget of zero
// uses DefaultCharBudget.
func NewTextGeneration(c completion.Completer, budget int) *TextGeneration {
	if budget <= 0 {
		budget = DefaultCharBudget
	}
	return &TextGeneration{completer: c, budget: budget}
}

func (g *TextGeneration) Name() string { return recipe.MethodTextGeneration }

func (g *TextGeneration) Extract(ctx context.Context, p *Page) (*Result, error) {
	text := Budget(p, g.budget)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	out, err := g.completer.Complete(ctx, extractSystemPrompt, completion.UserMessage(text), generateMaxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, task.Wrap(task.CodeTransient, err, "text generation")
	}

	var gen generatedRecipe
	if err := completion.DecodeJSON(out, &gen); err != nil {
		return nil, fmt.Errorf("text generation: %w", err)
	}
	if !gen.Found {
		return nil, nil
	}

	c := recipe.Content{
		Name:        strings.TrimSpace(gen.Name),
		Description: strings.TrimSpace(gen.Description),
		Yield:       strings.TrimSpace(gen.Yield),
		Cuisine:     strings.TrimSpace(gen.Cuisine),
		Category:    strings.TrimSpace(gen.Category),
		Keywords:    gen.Keywords,
	}
	c.PrepTime, _ = recipe.ParseDuration(gen.PrepTime)
	c.CookTime, _ = recipe.ParseDuration(gen.CookTime)
	c.TotalTime, _ = recipe.ParseDuration(gen.TotalTime)
	for _, in := range gen.Ingredients {
		if t := strings.TrimSpace(in.Text); t != "" {
			c.Ingredients = append(c.Ingredients, recipe.Ingredient{Text: t, Section: strings.TrimSpace(in.Section)})
		}
	}
	for _, st := range gen.Instructions {
		if t := strings.TrimSpace(st.Text); t != "" {
			c.Instructions = append(c.Instructions, recipe.Step{Text: t, Section: strings.TrimSpace(st.Section)})
		}
	}

	return &Result{
		Recipe:     c,
		Author:     p.Author,
		SiteName:   p.SiteName,
		License:    p.LicenseHint,
		Confidence: generatedConfidence(gen.Confidence),
		Method:     recipe.MethodTextGeneration,
		Payload:    []byte(out),
	}, nil
}

// generatedConfidence caps model-reported confidence below the structured
// tier's range.
func generatedConfidence(reported float64) float64 {
	switch {
	case reported <= 0:
		return 0.5
	case reported > 1:
		reported = 1
	}
	return reported * 0.8
}
