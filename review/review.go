// Package review audits memories for quality issues: scope mismatches,
// verbosity, uncategorized entries, staleness, near-duplicates, and
// low-quality text. Detectors are stateless and return actionable issues
// with severity ratings plus an overall quality score.
package review

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sparkvibe/memorymesh/compaction"
	"github.com/sparkvibe/memorymesh/importance"
	"github.com/sparkvibe/memorymesh/memory"
	"github.com/sparkvibe/memorymesh/store"
)

// Severity levels for review issues.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Issue is a single quality problem found during review.
type Issue struct {
	MemoryID    string `json:"memory_id"`
	IssueType   string `json:"issue_type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	AutoFixable bool   `json:"auto_fixable"`
}

// Result aggregates a review pass.
type Result struct {
	Issues        []Issue
	QualityScore  int // 0-100
	TotalReviewed int
	ScannedScope  string
}

// Options select which detectors run and supply the project name used by
// the scope-mismatch detector.
type Options struct {
	// Detectors restricts the run to a subset of detector names; nil runs
	// all of them. Valid names: scope_mismatch, too_verbose,
	// uncategorized, stale, near_duplicate, low_quality.
	Detectors []string
	// ProjectName is checked for in global memories. When empty it is
	// auto-detected from the project root directory basename.
	ProjectName string
}

// ---------------------------------------------------------------------------
// Scope-mismatch indicators
// ---------------------------------------------------------------------------

// projectIndicators suggest a memory is project-specific and should not
// be global.
var projectIndicators = []*regexp.Regexp{
	regexp.MustCompile(`\bsrc/`),
	regexp.MustCompile(`\btests?/`),
	regexp.MustCompile(`\b\w+\.py\b`),
	regexp.MustCompile(`\b\w+\.ts\b`),
	regexp.MustCompile(`\b\w+\.js\b`),
	regexp.MustCompile(`\b\w+\.go\b`),
	regexp.MustCompile(`(?i)\bimplementation state\b`),
	regexp.MustCompile(`\bv\d+\.\d+\.\d+\b.*\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`\bpyproject\.toml\b`),
	regexp.MustCompile(`\bpackage\.json\b`),
	regexp.MustCompile(`\bgo\.mod\b`),
	regexp.MustCompile(`\bCLAUDE\.md\b`),
	regexp.MustCompile(`\bAGENTS\.md\b`),
}

// globalIndicators suggest a memory is about the user and should not be
// project-scoped.
var globalIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\buser prefers?\b`),
	regexp.MustCompile(`(?i)\bacross all projects?\b`),
	regexp.MustCompile(`(?i)\bglobal preference\b`),
	regexp.MustCompile(`(?i)\buser['’]?s? favou?rite\b`),
	regexp.MustCompile(`(?i)\balways use\b`),
}

// ---------------------------------------------------------------------------
// Detectors
// ---------------------------------------------------------------------------

func detectScopeMismatch(memories []*memory.Memory, projectName string) []Issue {
	var issues []Issue

	if projectName == "" {
		if root := store.DetectProjectRoot(nil, nil); root != "" {
			projectName = filepath.Base(root)
		}
	}
	allProject := projectIndicators
	if len(projectName) >= 3 {
		if p, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(projectName) + `\b`); err == nil {
			allProject = append(append([]*regexp.Regexp{}, projectIndicators...), p)
		}
	}

	for _, m := range memories {
		switch m.Scope {
		case memory.ScopeGlobal:
			for _, pattern := range allProject {
				if pattern.MatchString(m.Text) {
					issues = append(issues, Issue{
						MemoryID:  m.ID,
						IssueType: "scope_mismatch",
						Severity:  SeverityHigh,
						Description: fmt.Sprintf(
							"Global memory contains project-specific content (matched: %q).", pattern.String()),
						Suggestion: fmt.Sprintf(
							"Move to project scope with update(%q, scope=project).", m.ID),
						AutoFixable: false,
					})
					break // one issue per memory
				}
			}
		case memory.ScopeProject:
			for _, pattern := range globalIndicators {
				if pattern.MatchString(m.Text) {
					issues = append(issues, Issue{
						MemoryID:  m.ID,
						IssueType: "scope_mismatch",
						Severity:  SeverityHigh,
						Description: fmt.Sprintf(
							"Project memory contains global-scope content (matched: %q).", pattern.String()),
						Suggestion: fmt.Sprintf(
							"Move to global scope with update(%q, scope=global).", m.ID),
						AutoFixable: false,
					})
					break
				}
			}
		}
	}
	return issues
}

// Verbosity limits: global memories should stay concise; project memories
// get more room.
const (
	globalVerbosityLimit  = 200
	projectVerbosityLimit = 500
)

func detectTooVerbose(memories []*memory.Memory) []Issue {
	var issues []Issue
	for _, m := range memories {
		limit := projectVerbosityLimit
		if m.Scope == memory.ScopeGlobal {
			limit = globalVerbosityLimit
		}
		if len(m.Text) > limit {
			issues = append(issues, Issue{
				MemoryID:  m.ID,
				IssueType: "too_verbose",
				Severity:  SeverityMedium,
				Description: fmt.Sprintf(
					"Memory text is %d chars (limit for %s: %d).", len(m.Text), m.Scope, limit),
				Suggestion:  "Distill to a shorter, more focused statement.",
				AutoFixable: false,
			})
		}
	}
	return issues
}

func detectUncategorized(memories []*memory.Memory) []Issue {
	var issues []Issue
	for _, m := range memories {
		if _, ok := m.Metadata["category"]; !ok {
			issues = append(issues, Issue{
				MemoryID:    m.ID,
				IssueType:   "uncategorized",
				Severity:    SeverityLow,
				Description: "Memory has no category in metadata.",
				Suggestion:  "Add a category (e.g. decision, pattern, preference).",
				AutoFixable: true,
			})
		}
	}
	return issues
}

const staleDays = 30

func detectStale(memories []*memory.Memory) []Issue {
	var issues []Issue
	now := time.Now().UTC()
	for _, m := range memories {
		ageDays := int(now.Sub(m.UpdatedAt).Hours() / 24)
		if ageDays >= staleDays && m.Importance < 0.5 {
			issues = append(issues, Issue{
				MemoryID:  m.ID,
				IssueType: "stale",
				Severity:  SeverityLow,
				Description: fmt.Sprintf(
					"Not accessed in %d days and importance is %.2f.", ageDays, m.Importance),
				Suggestion:  "Consider deleting if no longer relevant.",
				AutoFixable: false,
			})
		}
	}
	return issues
}

// duplicateScanCap bounds the O(n^2) near-duplicate scan per scope.
const duplicateScanCap = 500

func detectNearDuplicate(memories []*memory.Memory) []Issue {
	var issues []Issue
	seen := map[string]bool{}

	// Group by scope so we only compare within the same store.
	byScope := map[memory.Scope][]*memory.Memory{}
	for _, m := range memories {
		byScope[m.Scope] = append(byScope[m.Scope], m)
	}

	for _, scopeMems := range byScope {
		capped := scopeMems
		if len(capped) > duplicateScanCap {
			capped = capped[:duplicateScanCap]
		}
		for i := 0; i < len(capped); i++ {
			if seen[capped[i].ID] {
				continue
			}
			for j := i + 1; j < len(capped); j++ {
				if seen[capped[j].ID] {
					continue
				}
				sim := compaction.TextSimilarity(capped[i].Text, capped[j].Text)
				if sim >= 0.7 {
					issues = append(issues, Issue{
						MemoryID:  capped[j].ID,
						IssueType: "near_duplicate",
						Severity:  SeverityMedium,
						Description: fmt.Sprintf(
							"Similar to memory %s... (similarity: %.2f).", shortID(capped[i].ID), sim),
						Suggestion: fmt.Sprintf(
							"Consider merging with %s... or deleting this duplicate.", shortID(capped[i].ID)),
						AutoFixable: false,
					})
					seen[capped[j].ID] = true
				}
			}
		}
	}
	return issues
}

func detectLowQuality(memories []*memory.Memory) []Issue {
	var issues []Issue
	for _, m := range memories {
		score := importance.Score(m.Text, m.Metadata)
		if score < 0.4 {
			issues = append(issues, Issue{
				MemoryID:  m.ID,
				IssueType: "low_quality",
				Severity:  SeverityLow,
				Description: fmt.Sprintf(
					"Low quality score (%.2f). Text may be too vague or short.", score),
				Suggestion:  "Rewrite with more specific, actionable content.",
				AutoFixable: false,
			})
		}
	}
	return issues
}

// ---------------------------------------------------------------------------
// Entry point
// ---------------------------------------------------------------------------

// detectorNames is the canonical run order.
var detectorNames = []string{
	"scope_mismatch", "too_verbose", "uncategorized",
	"stale", "near_duplicate", "low_quality",
}

// Review runs the selected detectors over memories and computes the
// overall quality score: 100 - (10*high + 5*medium + 2*low), clamped to
// [0, 100].
func Review(memories []*memory.Memory, scannedScope string, opts Options) *Result {
	result := &Result{
		QualityScore:  100,
		TotalReviewed: len(memories),
		ScannedScope:  scannedScope,
	}
	if len(memories) == 0 {
		return result
	}

	active := map[string]bool{}
	if opts.Detectors == nil {
		for _, name := range detectorNames {
			active[name] = true
		}
	} else {
		for _, name := range opts.Detectors {
			active[name] = true
		}
	}

	for _, name := range detectorNames {
		if !active[name] {
			continue
		}
		switch name {
		case "scope_mismatch":
			result.Issues = append(result.Issues, detectScopeMismatch(memories, opts.ProjectName)...)
		case "too_verbose":
			result.Issues = append(result.Issues, detectTooVerbose(memories)...)
		case "uncategorized":
			result.Issues = append(result.Issues, detectUncategorized(memories)...)
		case "stale":
			result.Issues = append(result.Issues, detectStale(memories)...)
		case "near_duplicate":
			result.Issues = append(result.Issues, detectNearDuplicate(memories)...)
		case "low_quality":
			result.Issues = append(result.Issues, detectLowQuality(memories)...)
		}
	}

	high, medium, low := 0, 0, 0
	for _, issue := range result.Issues {
		switch issue.Severity {
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		case SeverityLow:
			low++
		}
	}
	score := 100 - (high*10 + medium*5 + low*2)
	if score < 0 {
		score = 0
	}
	result.QualityScore = score
	return result
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
