package main_test

import (
	"os"
	"strings"
	"testing"
)

// TestNoInternalImports enforces that the CLI entrypoint does not directly
// import any internal implementation packages, only the public engine facade.
func TestNoInternalImports(t *testing.T) {
    data, err := os.ReadFile("cmd/bidserve/main.go")
    if err != nil {
        t.Fatalf("read cmd/bidserve/main.go: %v", err)
    }
    content := string(data)
    if strings.Contains(content, "bidcore/engine/internal/") {
        t.Fatalf("cmd/bidserve/main.go imports engine/internal/*; migrate to engine facade only")
    }
}
