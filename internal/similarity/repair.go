package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/larder/internal/completion"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/telemetry"
)

const repairSystemPrompt = `You rewrite passages of a recipe that were copied too closely from their source.

You receive JSON: {"sections": [{"section": "...", "text": "...", "longest_overlap": N, "similarity": X}]}.
Rewrite each text in your own words. Preserve every quantity, unit, temperature, time and cooking technique.
Do not add or remove steps. Do not reuse runs of more than a few words from the original.

Return ONLY JSON: {"sections": [{"section": "...", "text": "..."}]} with the same section names.`

const repairMaxTokens = 2048

type repairItem struct {
	Section        string  `json:"section"`
	Text           string  `json:"text"`
	LongestOverlap int     `json:"longest_overlap,omitempty"`
	Similarity     float64 `json:"similarity,omitempty"`
}

type repairPayload struct {
	Sections []repairItem `json:"sections"`
}

// Repairer runs one rewrite pass over the sections a Guard blocked.
type Repairer struct {
	guard     *Guard
	completer completion.Completer
	logger    *slog.Logger
}

// NewRepairer creates a Repairer.
func NewRepairer(g *Guard, c completion.Completer, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{guard: g, completer: c, logger: logger}
}

// Repair sends only the offending sections of c, with their scores, to the
// completer, substitutes the rewrites, and scores the result once more.
// There is no second pass: if the rescored report still violates policy,
// it is returned with StillViolatesPolicy set.
//
// On a completer failure the original content is returned along with the
// error, and the report is marked as still violating.
func (r *Repairer) Repair(ctx context.Context, c recipe.Content, rep recipe.SimilarityReport, source string) (recipe.Content, recipe.SimilarityReport, error) {
	offending := rep.Offending()
	if !rep.ViolatesPolicy || len(offending) == 0 {
		return c, rep, nil
	}

	texts := map[string]string{}
	for _, s := range Sections(c) {
		texts[s.Name] = s.Text
	}
	var req repairPayload
	for _, o := range offending {
		req.Sections = append(req.Sections, repairItem{
			Section:        o.Section,
			Text:           texts[o.Section],
			LongestOverlap: o.LongestOverlap,
			Similarity:     o.Similarity,
		})
	}

	failed := rep
	failed.RepairAttempted = true
	failed.StillViolatesPolicy = true

	body, err := json.Marshal(req)
	if err != nil {
		return c, failed, fmt.Errorf("encoding repair request: %w", err)
	}
	out, err := r.completer.Complete(ctx, repairSystemPrompt, completion.UserMessage(string(body)), repairMaxTokens)
	if err != nil {
		return c, failed, fmt.Errorf("repair completion: %w", err)
	}
	var resp repairPayload
	if err := completion.DecodeJSON(out, &resp); err != nil {
		return c, failed, fmt.Errorf("repair completion: %w", err)
	}

	repaired, replaced := apply(c, resp.Sections, offending)
	next := r.guard.Score(repaired, source)
	next.RepairAttempted = true
	next.StillViolatesPolicy = next.ViolatesPolicy
	for i := range next.Sections {
		if replaced[next.Sections[i].Section] {
			next.Sections[i].Repaired = true
		}
	}

	if next.StillViolatesPolicy {
		telemetry.SimilarityViolations.WithLabelValues("after_repair").Inc()
	}
	r.logger.Info("similarity repair pass",
		"offending", len(offending),
		"replaced", len(replaced),
		"still_violates", next.StillViolatesPolicy)
	return repaired, next, nil
}

// apply substitutes rewritten text into a copy of c. Only sections that
// were offending are accepted; anything else the completer returns is
// ignored.
func apply(c recipe.Content, items []repairItem, offending []recipe.SectionScore) (recipe.Content, map[string]bool) {
	allowed := map[string]bool{}
	for _, o := range offending {
		allowed[o.Section] = true
	}

	out := c
	out.Instructions = append([]recipe.Step(nil), c.Instructions...)
	replaced := map[string]bool{}
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if !allowed[it.Section] || text == "" {
			continue
		}
		if it.Section == "description" {
			out.Description = text
			replaced[it.Section] = true
			continue
		}
		var i int
		if _, err := fmt.Sscanf(it.Section, "instruction[%d]", &i); err != nil || i < 0 || i >= len(out.Instructions) {
			continue
		}
		out.Instructions[i].Text = text
		replaced[it.Section] = true
	}
	return out, replaced
}
