package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/larder/internal/recipe"
)

// StructuredData extracts recipes from schema.org JSON-LD blocks.
type StructuredData struct{}

func (StructuredData) Name() string { return recipe.MethodStructuredData }

// Extract decodes each JSON-LD block and maps the first Recipe node found,
// searching @graph arrays and nested mainEntity values.
func (StructuredData) Extract(_ context.Context, p *Page) (*Result, error) {
	var firstErr error
	for _, raw := range p.StructuredData {
		var v any
		dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decoding json-ld: %w", err)
			}
			continue
		}
		node := findRecipe(v)
		if node == nil {
			continue
		}
		res := mapRecipe(node)
		res.Payload = raw
		if res.SiteName == "" {
			res.SiteName = p.SiteName
		}
		if res.Author == "" {
			res.Author = p.Author
		}
		if res.License == "" {
			res.License = p.LicenseHint
		}
		return res, nil
	}
	if firstErr != nil && len(p.StructuredData) == 1 {
		return nil, firstErr
	}
	return nil, nil
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func findRecipe(v any) map[string]any {
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if r := findRecipe(item); r != nil {
				return r
			}
		}
	case map[string]any:
		if hasType(x, "Recipe") {
			return x
		}
		for _, key := range []string{"@graph", "mainEntity", "mainEntityOfPage", "itemListElement", "item"} {
			if child, ok := x[key]; ok {
				if r := findRecipe(child); r != nil {
					return r
				}
			}
		}
	}
	return nil
}

func mapRecipe(n map[string]any) *Result {
	c := recipe.Content{
		Name:        CleanText(str(n["name"])),
		Description: CleanText(str(n["description"])),
		Yield:       yield(n["recipeYield"]),
		Cuisine:     strings.Join(strs(n["recipeCuisine"]), ", "),
		Category:    strings.Join(strs(n["recipeCategory"]), ", "),
		Keywords:    keywords(n["keywords"]),
		ImageURL:    image(n["image"]),
	}
	c.PrepTime, _ = recipe.ParseDuration(str(n["prepTime"]))
	c.CookTime, _ = recipe.ParseDuration(str(n["cookTime"]))
	c.TotalTime, _ = recipe.ParseDuration(str(n["totalTime"]))

	ingredients := n["recipeIngredient"]
	if ingredients == nil {
		ingredients = n["ingredients"]
	}
	for _, s := range strs(ingredients) {
		if t := CleanText(s); t != "" {
			c.Ingredients = append(c.Ingredients, recipe.Ingredient{Text: t})
		}
	}
	c.Instructions = instructions(n["recipeInstructions"], "")

	res := &Result{
		Recipe:   c,
		Author:   person(n["author"]),
		SiteName: person(n["publisher"]),
		License:  str(n["license"]),
		Method:   recipe.MethodStructuredData,
	}
	res.Confidence = structuredConfidence(c)
	return res
}

// structuredConfidence starts high for complete markup and loses a little
// for each missing optional field.
func structuredConfidence(c recipe.Content) float64 {
	if !c.Complete() {
		return 0.3
	}
	conf := 0.95
	if c.Description == "" {
		conf -= 0.05
	}
	if c.TotalTime == 0 && c.CookTime == 0 {
		conf -= 0.05
	}
	if c.Yield == "" {
		conf -= 0.05
	}
	return conf
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case []any:
		if len(x) > 0 {
			return str(x[0])
		}
	case map[string]any:
		if s, ok := x["@value"]; ok {
			return str(s)
		}
		return str(x["name"])
	}
	return ""
}

func strs(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, item := range x {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := str(x); s != "" {
			return []string{s}
		}
	}
	return nil
}

func yield(v any) string {
	vals := strs(v)
	if len(vals) == 0 {
		return ""
	}
	// Sites often emit ["4", "4 servings"]; prefer the more descriptive form.
	best := vals[0]
	for _, s := range vals[1:] {
		if len(s) > len(best) {
			best = s
		}
	}
	return CleanText(best)
}

func keywords(v any) []string {
	var out []string
	for _, s := range strs(v) {
		for _, k := range strings.Split(s, ",") {
			if k = CleanText(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}

func image(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		if len(x) > 0 {
			return image(x[0])
		}
	case map[string]any:
		if u, ok := x["url"].(string); ok {
			return u
		}
		return str(x["@id"])
	}
	return ""
}

func person(v any) string {
	names := strs(v)
	return CleanText(strings.Join(names, ", "))
}

// instructions flattens a recipeInstructions value: a plain string (split
// on line breaks), a list of strings, HowToStep objects, or HowToSection
// objects holding further steps.
func instructions(v any, section string) []recipe.Step {
	var out []recipe.Step
	add := func(text string) {
		if t := CleanText(text); t != "" {
			out = append(out, recipe.Step{Text: t, Section: section})
		}
	}
	switch x := v.(type) {
	case string:
		for _, line := range strings.Split(strictPolicy.Sanitize(strings.ReplaceAll(x, "<br", "\n<br")), "\n") {
			add(line)
		}
	case []any:
		for _, item := range x {
			out = append(out, instructions(item, section)...)
		}
	case map[string]any:
		if hasType(x, "HowToSection") {
			name := CleanText(str(x["name"]))
			return append(out, instructions(x["itemListElement"], name)...)
		}
		if items, ok := x["itemListElement"]; ok && x["text"] == nil {
			return append(out, instructions(items, section)...)
		}
		text := str(x["text"])
		if text == "" {
			text = str(x["name"])
		}
		add(text)
	}
	return out
}
