package main_test

import (
	"os"
	"testing"
)

// TestRootDirectoryWhitelist enforces the atomic root layout objective: only
// allowed top-level code directories are `engine`, `cmd`, `cli` and `md`. All other legacy
// code directories must be removed or migrated.
func TestRootDirectoryWhitelist(t *testing.T) {
	allowed := map[string]struct{}{
		"engine": {}, "cli": {}, "md": {}, "cmd": {},
		// Non-code / metadata directories permitted:
		".git": {}, ".github": {},
	}

	// No transitional directories remain; the root layout migration is complete.
	transitional := map[string]struct{}{}

	entries, err := os.ReadDir(".")
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	unexpected := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := allowed[name]; ok {
			continue
		}
		if _, ok := transitional[name]; ok {
			continue
		}
		unexpected = append(unexpected, name)
	}
	if len(unexpected) > 0 {
		t.Fatalf("unexpected root directories present (violates atomic root policy): %v", unexpected)
	}
}
