// Package similarity polices extracted recipe prose for near-verbatim
// copying of its source page and drives the single rewrite pass that
// repairs it.
package similarity

import (
	"fmt"

	"github.com/kalambet/larder/internal/recipe"
)

// DefaultN is the default n-gram size for Jaccard similarity.
const DefaultN = 5

// Guard scores draft sections against source text.
type Guard struct {
	n          int
	thresholds recipe.Thresholds
}

// NewGuard creates a Guard. Zero values select DefaultN and the default
// thresholds.
func NewGuard(n int, t recipe.Thresholds) *Guard {
	if n <= 0 {
		n = DefaultN
	}
	if t == (recipe.Thresholds{}) {
		t = recipe.DefaultThresholds()
	}
	return &Guard{n: n, thresholds: t}
}

// Thresholds returns the guard's thresholds.
func (g *Guard) Thresholds() recipe.Thresholds { return g.thresholds }

// Section is one named span of draft prose.
type Section struct {
	Name string
	Text string
}

// SectionName returns the report name of instruction step i.
func SectionName(i int) string { return fmt.Sprintf("instruction[%d]", i) }

// Sections lists the prose sections of c that are subject to the guard:
// the description and each instruction step.
func Sections(c recipe.Content) []Section {
	var out []Section
	if c.Description != "" {
		out = append(out, Section{Name: "description", Text: c.Description})
	}
	for i, st := range c.Instructions {
		out = append(out, Section{Name: SectionName(i), Text: st.Text})
	}
	return out
}

// Score computes the similarity report for c against the source text.
func (g *Guard) Score(c recipe.Content, source string) recipe.SimilarityReport {
	src := Tokenize(source)
	rep := recipe.SimilarityReport{Thresholds: g.thresholds}
	for _, s := range Sections(c) {
		score := g.scoreSection(s, src)
		if score.Level == recipe.LevelBlock {
			rep.ViolatesPolicy = true
		}
		rep.Sections = append(rep.Sections, score)
	}
	return rep
}

func (g *Guard) scoreSection(s Section, src []string) recipe.SectionScore {
	toks := Tokenize(s.Text)
	overlap := LongestOverlap(toks, src)
	sim := ExcerptJaccard(toks, src, g.n)
	return recipe.SectionScore{
		Section:        s.Name,
		LongestOverlap: overlap,
		Similarity:     sim,
		Level:          g.thresholds.Classify(overlap, sim),
	}
}
