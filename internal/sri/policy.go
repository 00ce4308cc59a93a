package sri

import (
	"fmt"
	"strings"
	"unicode"
)

// CategoryGeneral is returned when no keyword matches.
const CategoryGeneral = "general"

// categoryKeywords is checked in order; the first keyword found wins.
var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"altcoin", "altcoin"},
	{"cryptocurrency", "crypto"},
	{"bitcoin", "crypto"},
	{"investment", "financial_advice"},
	{"financial", "financial_advice"},
	{"money", "financial_advice"},
	{"design", "design"},
	{"logo", "design"},
	{"image", "design"},
	{"code", "programming"},
	{"programming", "programming"},
	{"development", "programming"},
}

// ContextCategory maps free text to a coarse category with a fixed keyword
// table.
func ContextCategory(text string) string {
	lower := strings.ToLower(text)
	for _, k := range categoryKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.category
		}
	}
	return CategoryGeneral
}

// PolicyDelta is the behavioral adjustment an experience suggests. Context
// says when to apply it; Category is the ContextCategory bucket it was
// learned in.
type PolicyDelta struct {
	Action      string   `json:"action"`
	Context     string   `json:"context"`
	Impact      float64  `json:"impact"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    int      `json:"priority"`
	Triggers    []string `json:"triggers,omitempty"`
}

// PolicyFor derives the policy delta for an outcome in a context category.
func PolicyFor(outcome Outcome, category string) PolicyDelta {
	switch outcome {
	case OutcomeSuccess:
		return PolicyDelta{
			Action:      "reinforce_approach",
			Context:     category,
			Impact:      0.7,
			Description: "Continue using successful approach for " + category,
			Category:    category,
			Priority:    2,
			Triggers:    []string{category},
		}
	case OutcomeFailure:
		return PolicyDelta{
			Action:      "add_safeguard",
			Context:     category,
			Impact:      0.8,
			Description: "Add safeguards and disclaimers for " + category,
			Category:    category,
			Priority:    1,
			Triggers:    []string{category},
		}
	default:
		return PolicyDelta{
			Action:      "refine_approach",
			Context:     category,
			Impact:      0.5,
			Description: "Refine approach for " + category,
			Category:    category,
			Priority:    3,
			Triggers:    []string{category},
		}
	}
}

// Compress renders a memory as a single-line summary for context injection.
func Compress(m Memory) string {
	verb := "partial"
	switch m.Outcome {
	case OutcomeSuccess:
		verb = "succeeded"
	case OutcomeFailure:
		verb = "failed"
	}
	return fmt.Sprintf("#mem: %s-%s → %s", m.Policy.Context, verb, m.Policy.Description)
}

// words splits text into lowercase alphanumeric tokens.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range words(text) {
		set[w] = struct{}{}
	}
	return set
}
