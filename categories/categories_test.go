package categories

import (
	"errors"
	"testing"

	"github.com/sparkvibe/memorymesh/memory"
)

func TestValidate(t *testing.T) {
	for category := range ScopeMap {
		if err := Validate(category); err != nil {
			t.Errorf("%s should be valid: %v", category, err)
		}
	}
	if err := Validate("nonsense"); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestScopeFor(t *testing.T) {
	globals := []string{"preference", "guardrail", "mistake", "personality", "question"}
	projects := []string{"decision", "pattern", "context", "session_summary"}

	for _, c := range globals {
		scope, err := ScopeFor(c)
		if err != nil || scope != memory.ScopeGlobal {
			t.Errorf("%s should route to global, got (%q, %v)", c, scope, err)
		}
	}
	for _, c := range projects {
		scope, err := ScopeFor(c)
		if err != nil || scope != memory.ScopeProject {
			t.Errorf("%s should route to project, got (%q, %v)", c, scope, err)
		}
	}
	if _, err := ScopeFor("bogus"); err == nil {
		t.Error("unknown category should error")
	}
}

func TestAutoCategorize(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Never commit directly to main", "guardrail"},
		{"Don't use global variables here", "guardrail"},
		{"We made a mistake deploying on Friday", "mistake"},
		{"I broke the build yesterday", "mistake"},
		{"I am a senior backend engineer", "personality"},
		{"I prefer tabs over spaces", "preference"},
		{"What if the cache is cold?", "question"},
		{"We decided to use Postgres", "decision"},
		{"The convention is snake_case for columns", "pattern"},
		{"Session summary: refactored the parser", "session_summary"},
		{"The deploy runs at midnight", "context"}, // fallback
	}
	for _, tc := range cases {
		if got := AutoCategorize(tc.text, nil); got != tc.want {
			t.Errorf("%q: got %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestAutoCategorizeHonoursMetadataHint(t *testing.T) {
	got := AutoCategorize("Never do this", map[string]any{"category": "decision"})
	if got != "decision" {
		t.Errorf("valid metadata hint should win, got %s", got)
	}
	// Invalid hints are ignored and the patterns run.
	got = AutoCategorize("Never do this", map[string]any{"category": "bogus"})
	if got != "guardrail" {
		t.Errorf("invalid hint should fall through to patterns, got %s", got)
	}
}

func TestInferScopeUserSubject(t *testing.T) {
	cases := []string{
		"User prefers dark mode in all editors",
		"User likes functional programming",
		"User always runs tests before committing",
		"Krishna's patterns: asks questions before acting",
		"Alice's workflow: review PR, then merge",
		"This preference applies across all projects",
		"Interaction pattern: prefers speed once decided",
		"Communication style: concise, direct, no fluff",
		"Coding style: functional over OOP when possible",
		"Personal preference: always use type hints",
	}
	for _, text := range cases {
		scope, ok := InferScope(text, "")
		if !ok || scope != memory.ScopeGlobal {
			t.Errorf("%q: expected global, got (%q, %v)", text, scope, ok)
		}
	}
}

func TestInferScopeProjectSubject(t *testing.T) {
	cases := []string{
		"Entry point is src/memorymesh/core.py",
		"Tests are in tests/ directory",
		"pyproject.toml configured with hatchling",
		"Implementation state (2026-02-17): Phase 1 complete",
		"v0.1.0 released 2026-02-16",
		"633 tests pass, 3 skipped, lint clean",
		"Committed as commit 4fb7df3 on main",
		"Modified core.py to add update method",
	}
	for _, text := range cases {
		scope, ok := InferScope(text, "")
		if !ok || scope != memory.ScopeProject {
			t.Errorf("%q: expected project, got (%q, %v)", text, scope, ok)
		}
	}
}

func TestInferScopeNoSignal(t *testing.T) {
	cases := []string{
		"SQLite uses WAL mode for concurrency",
		"Important decision made",
		"",
	}
	for _, text := range cases {
		if scope, ok := InferScope(text, ""); ok {
			t.Errorf("%q: expected no signal, got %q", text, scope)
		}
	}
}

func TestInferScopeConflictResolution(t *testing.T) {
	// Two user signals vs one project signal.
	scope, ok := InferScope("User prefers and user always likes to keep core.py clean", "")
	if !ok || scope != memory.ScopeGlobal {
		t.Errorf("user should win when stronger, got (%q, %v)", scope, ok)
	}

	// One user signal vs three project signals.
	scope, ok = InferScope("User prefers src/memorymesh/core.py over store.py for the main entry in tests/", "")
	if !ok || scope != memory.ScopeProject {
		t.Errorf("project should win when stronger, got (%q, %v)", scope, ok)
	}

	// A product-name match carries extra weight.
	scope, ok = InferScope("User prefers MemoryMesh for all memory tasks", "MemoryMesh")
	if !ok || scope != memory.ScopeProject {
		t.Errorf("product name should outweigh one user signal, got (%q, %v)", scope, ok)
	}
}

func TestInferScopeIgnoresShortProjectNames(t *testing.T) {
	// Names shorter than 3 chars would false-positive everywhere.
	if scope, ok := InferScope("Go is a nice language", "Go"); ok {
		t.Errorf("short project name must not count, got %q", scope)
	}
}
