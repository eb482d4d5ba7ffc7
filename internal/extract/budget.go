package extract

import (
	"regexp"
	"strings"
)

// DefaultCharBudget bounds the page text sent to the text-generation tier.
const DefaultCharBudget = 12000

var recipeHeading = regexp.MustCompile(`(?i)\b(ingredients?|instructions?|directions?|method|preparation|steps?|how to make|you will need|for the [a-z ]+)\b`)

// sectionPriority ranks a heading: 0 for ingredient or instruction
// sections, 1 for everything else.
func sectionPriority(heading string) int {
	if recipeHeading.MatchString(heading) {
		return 0
	}
	return 1
}

// quantityLine matches lines that start like an ingredient ("2 cups", "½ tsp").
var quantityLine = regexp.MustCompile(`^\s*(\d+([./]\d+)?|[¼½¾⅓⅔⅛])\s*\S`)

// looksLikeRecipeBody reports whether most lines of a section read like
// ingredients or numbered steps, for pages without helpful headings.
func looksLikeRecipeBody(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return false
	}
	hits := 0
	for _, l := range lines {
		if quantityLine.MatchString(l) {
			hits++
		}
	}
	return hits*2 >= len(lines)
}

// Budget returns at most limit characters of page text. Ingredient and
// instruction sections are kept before narrative; the selected sections are
// emitted in document order and the last one is cut to fit.
func Budget(p *Page, limit int) string {
	if limit <= 0 {
		limit = DefaultCharBudget
	}
	type piece struct {
		idx  int
		text string
	}
	render := func(s Section) string {
		if s.Heading == "" {
			return s.Text
		}
		return s.Heading + "\n" + s.Text
	}

	var primary, rest []piece
	for i, s := range p.Sections {
		pc := piece{idx: i, text: render(s)}
		if sectionPriority(s.Heading) == 0 || looksLikeRecipeBody(s.Text) {
			primary = append(primary, pc)
		} else {
			rest = append(rest, pc)
		}
	}

	header := ""
	if p.Title != "" {
		header = p.Title + "\n\n"
	}
	remaining := limit - len(header)

	chosen := map[int]string{}
	take := func(list []piece) {
		for _, pc := range list {
			if remaining <= 0 {
				return
			}
			t := pc.text
			if len(t)+2 > remaining {
				t = truncate(t, remaining-2)
			}
			if t == "" {
				continue
			}
			chosen[pc.idx] = t
			remaining -= len(t) + 2
		}
	}
	take(primary)
	take(rest)

	var b strings.Builder
	b.WriteString(header)
	first := true
	for i := range p.Sections {
		t, ok := chosen[i]
		if !ok {
			continue
		}
		if !first {
			b.WriteString("\n\n")
		}
		b.WriteString(t)
		first = false
	}
	out := b.String()
	if len(out) > limit {
		out = truncate(out, limit)
	}
	return out
}

// truncate cuts s to at most n bytes on a rune boundary, preferring a
// line or word break.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]
	if i := strings.LastIndexAny(s, "\n "); i > n/2 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
