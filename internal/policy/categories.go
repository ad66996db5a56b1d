package policy

import (
	"regexp"
	"strings"
)

// Response categories hinted to clients in the start chunk.
const (
	CategoryGreeting = "greeting"
	CategoryTable    = "table"
	CategoryCitation = "citation"
	CategoryReport   = "report"
	CategoryCode     = "code"
	CategoryGeneral  = "general"
)

var (
	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening)|yo)\b[\s!.,]*$`)

	categoryKeywords = []struct {
		category string
		keywords []string
	}{
		{CategoryTable, []string{"table", "compare", "comparison", "columns", "rows", "spreadsheet", "breakdown"}},
		{CategoryCitation, []string{"cite", "citation", "source", "sources", "quote", "reference", "according to"}},
		{CategoryReport, []string{"report", "json", "summary of metrics", "kpi", "analysis", "dashboard"}},
		{CategoryCode, []string{"code", "function", "snippet", "implement", "golang", "script", "example in"}},
	}
)

// InferCategories classifies a user prompt into response categories. The
// result is ordered and never empty.
func InferCategories(prompt string) []string {
	in := strings.ToLower(strings.TrimSpace(prompt))
	if in == "" {
		return []string{CategoryGeneral}
	}
	if greetingPattern.MatchString(in) {
		return []string{CategoryGreeting}
	}

	var out []string
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(in, kw) {
				out = append(out, c.category)
				break
			}
		}
	}
	if len(out) == 0 {
		return []string{CategoryGeneral}
	}
	return out
}

// PrimaryCategory returns the first inferred category.
func PrimaryCategory(prompt string) string {
	return InferCategories(prompt)[0]
}
