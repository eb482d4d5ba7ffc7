package recipe

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	maxNameLen     = 200
	maxIngredients = 100
	maxSteps       = 80
	maxTotalTime   = 72 * time.Hour
)

// Validate checks a recipe for blocking errors and advisory warnings.
func Validate(c Content) ValidationReport {
	var r ValidationReport
	addErr := func(field, format string, args ...any) {
		r.Errors = append(r.Errors, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	addWarn := func(field, format string, args ...any) {
		r.Warnings = append(r.Warnings, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	name := strings.TrimSpace(c.Name)
	switch {
	case name == "":
		addErr("name", "name is required")
	case len(name) > maxNameLen:
		addErr("name", "name exceeds %d characters", maxNameLen)
	}

	if len(c.Ingredients) == 0 {
		addErr("ingredients", "at least one ingredient is required")
	}
	for i, ing := range c.Ingredients {
		if strings.TrimSpace(ing.Text) == "" {
			addErr(fmt.Sprintf("ingredients[%d]", i), "ingredient text is empty")
		}
	}
	if len(c.Ingredients) > maxIngredients {
		addWarn("ingredients", "%d ingredients is unusually many", len(c.Ingredients))
	}

	if len(c.Instructions) == 0 {
		addErr("instructions", "at least one instruction is required")
	}
	for i, st := range c.Instructions {
		if strings.TrimSpace(st.Text) == "" {
			addErr(fmt.Sprintf("instructions[%d]", i), "instruction text is empty")
		}
	}
	if len(c.Instructions) > maxSteps {
		addWarn("instructions", "%d steps is unusually many", len(c.Instructions))
	}

	for field, d := range map[string]Duration{"prep_time": c.PrepTime, "cook_time": c.CookTime, "total_time": c.TotalTime} {
		if d < 0 {
			addErr(field, "duration is negative")
		}
		if time.Duration(d) > maxTotalTime {
			addWarn(field, "duration %s is longer than %s", time.Duration(d), maxTotalTime)
		}
	}
	if c.TotalTime > 0 && c.PrepTime+c.CookTime > c.TotalTime {
		addWarn("total_time", "total time is shorter than prep plus cook time")
	}

	if strings.TrimSpace(c.Description) == "" {
		addWarn("description", "description is empty")
	}
	if strings.TrimSpace(c.Yield) == "" {
		addWarn("yield", "yield is not specified")
	}
	if c.PrepTime == 0 && c.CookTime == 0 && c.TotalTime == 0 {
		addWarn("total_time", "no timing information")
	}

	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	return r
}

// sortIssues orders issues by field so reports are stable across runs.
func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Field < issues[j].Field })
}
