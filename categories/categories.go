// Package categories defines the memory category taxonomy, maps each
// category to its default scope, and provides heuristic auto-
// categorization and subject-based scope inference for incoming text.
package categories

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sparkvibe/memorymesh/memory"
)

// ErrInvalidCategory is returned for category names outside the taxonomy.
var ErrInvalidCategory = errors.New("invalid category")

// ScopeMap maps each category name to its default scope.
var ScopeMap = map[string]memory.Scope{
	"preference":      memory.ScopeGlobal,
	"guardrail":       memory.ScopeGlobal,
	"mistake":         memory.ScopeGlobal,
	"personality":     memory.ScopeGlobal,
	"question":        memory.ScopeGlobal,
	"decision":        memory.ScopeProject,
	"pattern":         memory.ScopeProject,
	"context":         memory.ScopeProject,
	"session_summary": memory.ScopeProject,
}

// Validate checks that category is a recognised category name.
func Validate(category string) error {
	if _, ok := ScopeMap[category]; !ok {
		names := make([]string, 0, len(ScopeMap))
		for name := range ScopeMap {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("%w %q (must be one of: %s)", ErrInvalidCategory, category, strings.Join(names, ", "))
	}
	return nil
}

// ScopeFor returns the default scope for a valid category.
func ScopeFor(category string) (memory.Scope, error) {
	if err := Validate(category); err != nil {
		return "", err
	}
	return ScopeMap[category], nil
}

// categoryPatterns is tried in order; the first category with a matching
// pattern wins. Ordered from most specific to least specific so narrow
// categories beat broad ones.
var categoryPatterns = []struct {
	category string
	patterns []*regexp.Regexp
}{
	{"guardrail", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bnever\b`),
		regexp.MustCompile(`(?i)\bdon'?t\b`),
		regexp.MustCompile(`(?i)\bmust not\b`),
		regexp.MustCompile(`(?i)\bavoid\b`),
		regexp.MustCompile(`(?i)\bdo not\b`),
		regexp.MustCompile(`(?i)\bforbid`),
		regexp.MustCompile(`(?i)\bprohibit`),
		regexp.MustCompile(`(?i)\brule:\s`),
	}},
	{"mistake", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmistake\b`),
		regexp.MustCompile(`(?i)\bbug\b`),
		regexp.MustCompile(`(?i)\bbroke\b`),
		regexp.MustCompile(`(?i)\bforgot\b`),
		regexp.MustCompile(`(?i)\bshould have\b`),
		regexp.MustCompile(`(?i)\blesson\b`),
		regexp.MustCompile(`(?i)\blearned\b`),
		regexp.MustCompile(`(?i)\bregret\b`),
		regexp.MustCompile(`(?i)\baccident`),
	}},
	{"personality", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bI am\b`),
		regexp.MustCompile(`(?i)\bI work\b`),
		regexp.MustCompile(`(?i)\bmy role\b`),
		regexp.MustCompile(`(?i)\bsenior\b`),
		regexp.MustCompile(`(?i)\bjunior\b`),
		regexp.MustCompile(`(?i)\bmy background\b`),
		regexp.MustCompile(`(?i)\byears? of experience\b`),
		regexp.MustCompile(`(?i)\bmy name\b`),
	}},
	{"preference", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bprefer\b`),
		regexp.MustCompile(`(?i)\balways use\b`),
		regexp.MustCompile(`(?i)\blike to\b`),
		regexp.MustCompile(`(?i)\bstyle\b`),
		regexp.MustCompile(`(?i)\bfavou?rite\b`),
		regexp.MustCompile(`(?i)\bdefault to\b`),
	}},
	{"question", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bwhy\b.*\?`),
		regexp.MustCompile(`(?i)\bhow\b.*\?`),
		regexp.MustCompile(`(?i)\bwhat if\b`),
		regexp.MustCompile(`(?i)\bconcern\b`),
		regexp.MustCompile(`(?i)\bwonder\b`),
		regexp.MustCompile(`(?i)\bcurious\b`),
	}},
	{"decision", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdecided\b`),
		regexp.MustCompile(`(?i)\bchose\b`),
		regexp.MustCompile(`(?i)\bpicked\b`),
		regexp.MustCompile(`(?i)\bapproach\b`),
		regexp.MustCompile(`(?i)\barchitecture\b`),
		regexp.MustCompile(`(?i)\bwent with\b`),
		regexp.MustCompile(`(?i)\bselected\b`),
	}},
	{"pattern", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bconvention\b`),
		regexp.MustCompile(`(?i)\bpattern\b`),
		regexp.MustCompile(`(?i)\bstyle guide\b`),
		regexp.MustCompile(`(?i)\balways do\b`),
		regexp.MustCompile(`(?i)\bcoding standard\b`),
		regexp.MustCompile(`(?i)\bbest practice\b`),
	}},
	{"session_summary", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsession summary\b`),
		regexp.MustCompile(`(?i)\bsummary of\b.*\bsession\b`),
		regexp.MustCompile(`(?i)\bwhat we did\b`),
		regexp.MustCompile(`(?i)\baccomplished\b`),
	}},
}

// AutoCategorize detects the most likely category for a piece of text.
// A valid category already present in metadata is honoured. Falls back to
// "context" when nothing matches.
func AutoCategorize(text string, metadata map[string]any) string {
	if metadata != nil {
		if hint, ok := metadata["category"].(string); ok {
			if _, valid := ScopeMap[hint]; valid {
				return hint
			}
		}
	}

	for _, entry := range categoryPatterns {
		for _, pattern := range entry.patterns {
			if pattern.MatchString(text) {
				return entry.category
			}
		}
	}

	// Default fallback for project-specific facts.
	return "context"
}

// ---------------------------------------------------------------------------
// Subject-based scope inference
// ---------------------------------------------------------------------------

// userSubjectPatterns signal that the text is about the user rather than
// any one project. Each matching pattern contributes one point.
var userSubjectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\buser prefers?\b`),
	regexp.MustCompile(`(?i)\buser likes?\b`),
	regexp.MustCompile(`(?i)\buser always\b`),
	regexp.MustCompile(`(?i)\buser wants?\b`),
	regexp.MustCompile(`(?i)\buser needs?\b`),
	regexp.MustCompile(`(?i)\bI prefer\b`),
	regexp.MustCompile(`(?i)\bI like\b`),
	regexp.MustCompile(`(?i)\bI always\b`),
	regexp.MustCompile(`(?i)\bmy preference\b`),
	// Possessive name + lifestyle noun ("Krishna's patterns", "Alice's workflow").
	regexp.MustCompile(`\b[A-Z][a-z]+['’]s (?:patterns?|workflow|preferences?|style|approach|habits?)\b`),
	regexp.MustCompile(`(?i)\bacross all projects?\b`),
	regexp.MustCompile(`(?i)\binteraction patterns?\b`),
	regexp.MustCompile(`(?i)\bcommunication style\b`),
	regexp.MustCompile(`(?i)\bcoding style\b`),
	regexp.MustCompile(`(?i)\bpersonal preference\b`),
}

// projectSubjectPatterns signal that the text is about a specific
// codebase. Each matching pattern contributes one point.
var projectSubjectPatterns = []*regexp.Regexp{
	// Language/config file names.
	regexp.MustCompile(`\b[\w./\\-]+\.(?:py|ts|tsx|js|jsx|go|rs|java|rb|c|cc|cpp|h|hpp|toml|json|ya?ml|md|sql)\b`),
	regexp.MustCompile(`\bsrc/`),
	regexp.MustCompile(`\btests?/`),
	regexp.MustCompile(`\bgo\.mod\b`),
	// Version numbers paired with dates, and bare release dates.
	regexp.MustCompile(`\bv?\d+\.\d+(?:\.\d+)?\b.*\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`(?i)\bimplementation state\b`),
	// Test-suite status lines.
	regexp.MustCompile(`(?i)\b\d+ tests? pass`),
	// Commit hashes.
	regexp.MustCompile(`(?i)\bcommit\s+[0-9a-f]{7,40}\b`),
}

// productNameWeight is the extra weight a whole-word project name match
// carries over an ordinary project signal.
const productNameWeight = 2

// InferScope infers a memory's scope from its subject matter. Returns the
// winning scope and true when one side clearly wins, or ("", false) when
// there is no signal — the caller supplies the default.
func InferScope(text, projectName string) (memory.Scope, bool) {
	if text == "" {
		return "", false
	}

	userScore := 0
	for _, pattern := range userSubjectPatterns {
		if pattern.MatchString(text) {
			userScore++
		}
	}

	projectScore := 0
	for _, pattern := range projectSubjectPatterns {
		if pattern.MatchString(text) {
			projectScore++
		}
	}
	if len(projectName) >= 3 {
		namePattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(projectName) + `\b`)
		if err == nil && namePattern.MatchString(text) {
			projectScore += productNameWeight
		}
	}

	switch {
	case userScore > projectScore:
		return memory.ScopeGlobal, true
	case projectScore > userScore:
		return memory.ScopeProject, true
	}
	return "", false
}
