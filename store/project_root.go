package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// projectMarkers are the files/directories whose presence makes a
// directory a project root, mirroring how git walks upward to find the
// repository root.
var projectMarkers = []string{
	".git",
	".hg",
	".memorymesh",
	"pyproject.toml",
	"Cargo.toml",
	"package.json",
	"go.mod",
	"build.gradle",
	"pom.xml",
	"CMakeLists.txt",
	"Makefile",
}

// EnvProjectRoot is the environment variable that pins the project root.
const EnvProjectRoot = "MEMORYMESH_PROJECT_ROOT"

func hasProjectMarker(dir string) bool {
	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// DetectProjectRoot detects the project root directory.
//
// Priority:
//  1. First file:// URI in roots whose path exists and is a directory.
//  2. MEMORYMESH_PROJECT_ROOT if it names an existing directory.
//  3. Walk upward from the working directory; the first ancestor
//     containing a project marker wins.
//  4. "" — no project root detected.
//
// When diagnostics is non-nil, a human-readable description of each
// detection step is appended to it for error messages and status output.
func DetectProjectRoot(roots []string, diagnostics *[]string) string {
	note := func(format string, args ...any) {
		if diagnostics != nil {
			*diagnostics = append(*diagnostics, fmt.Sprintf(format, args...))
		}
	}

	// 1. Caller-supplied roots — trust an explicit workspace declaration.
	if len(roots) > 0 {
		uri := roots[0]
		if parsed, err := url.Parse(uri); err == nil && parsed.Scheme == "file" {
			path := parsed.Path
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				if real, err := filepath.EvalSymlinks(path); err == nil {
					path = real
				}
				note("roots: %s (accepted)", path)
				return path
			}
			note("roots: %s (directory does not exist)", path)
		} else {
			note("roots: non-file URI %q (skipped)", truncate(uri, 60))
		}
	} else {
		note("roots: not provided by caller")
	}

	// 2. Environment variable.
	if envRoot := os.Getenv(EnvProjectRoot); envRoot != "" {
		if info, err := os.Stat(envRoot); err == nil && info.IsDir() {
			note("%s: %s (found)", EnvProjectRoot, envRoot)
			if real, err := filepath.EvalSymlinks(envRoot); err == nil {
				return real
			}
			return envRoot
		}
		note("%s: %s (not a directory)", EnvProjectRoot, envRoot)
	} else {
		note("%s: not set", EnvProjectRoot)
	}

	// 3. Walk up from the working directory looking for project markers.
	cwd, err := os.Getwd()
	if err != nil {
		note("CWD: unavailable (%v)", err)
		return ""
	}
	current := cwd
	if real, err := filepath.EvalSymlinks(cwd); err == nil {
		current = real
	}
	walked := 0
	for {
		walked++
		if hasProjectMarker(current) {
			note("CWD walk-up: %s (project marker found)", current)
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			break // filesystem root
		}
		current = parent
	}
	note("CWD walk-up: checked %d directories from %s (no project marker found)", walked, cwd)

	return ""
}

// DefaultGlobalDir returns the per-user MemoryMesh directory (~/.memorymesh).
func DefaultGlobalDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".memorymesh"), nil
}

// DefaultGlobalPath returns the default global store database path.
func DefaultGlobalPath() (string, error) {
	dir, err := DefaultGlobalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "global.db"), nil
}

// MigrateLegacyDB performs the one-time rename of the legacy single-file
// database (memories.db) to the global store path (global.db). Returns
// whether a migration was performed.
func MigrateLegacyDB() (bool, error) {
	dir, err := DefaultGlobalDir()
	if err != nil {
		return false, err
	}
	legacy := filepath.Join(dir, "memories.db")
	global := filepath.Join(dir, "global.db")

	if _, err := os.Stat(global); err == nil {
		return false, nil
	}
	if _, err := os.Stat(legacy); err != nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.Rename(legacy, global); err != nil {
		return false, fmt.Errorf("failed to migrate legacy database: %w", err)
	}
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
