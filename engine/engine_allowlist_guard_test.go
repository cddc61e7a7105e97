package engine

// Engine export allowlist guard: enforces a curated set of exported
// identifiers in the root engine package. If you intentionally add or
// remove an export, update the allowlist below.

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestEngineExportAllowlist(t *testing.T) {
	allowed := map[string]struct{}{
		// Core types
		"Engine": {}, "Config": {}, "Deps": {}, "Snapshot": {}, "TelemetryEvent": {}, "EventObserver": {},
		// Policy re-exports
		"TelemetryPolicy": {}, "HealthPolicy": {}, "TracingPolicy": {}, "EventBusPolicy": {},
		// Construction & config helpers
		"New": {}, "Defaults": {}, "DefaultTelemetryPolicy": {},
			// Collaborator adapters, so callers never import engine/internal/*
			"KafkaQueueConfig": {}, "NewKafkaQueue": {}, "NewRedisL2": {}, "NewDeterministicScorer": {}, "AppendFunc": {},
			// Bid policy hot-reload re-exports
			"BidPolicyManager": {}, "BidPolicyWatcher": {}, "BidPolicyChange": {}, "BidPolicyDocument": {},
			"BidPolicy": {}, "GlobalBidPolicy": {}, "CampaignPolicyOverride": {},
			"NewBidPolicyManager": {}, "NewBidPolicyWatcher": {},
	}

	_, fname, _, _ := runtime.Caller(0)
	dir := filepath.Dir(fname)
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, dir, func(fi fs.FileInfo) bool { return strings.HasSuffix(fi.Name(), ".go") }, 0)
	if err != nil {
		t.Fatalf("parse dir: %v", err)
	}
	for _, pkg := range pkgs {
		for path, f := range pkg.Files {
			if strings.HasSuffix(path, "_test.go") {
				continue
			}
			ast.Inspect(f, func(n ast.Node) bool {
				switch x := n.(type) {
				case *ast.TypeSpec:
					if x.Name.IsExported() {
						if _, ok := allowed[x.Name.Name]; !ok {
							t.Fatalf("unexpected exported type: %s (update allowlist or internalize)", x.Name.Name)
						}
					}
				case *ast.ValueSpec:
					for _, id := range x.Names {
						if id.IsExported() {
							if _, ok := allowed[id.Name]; !ok {
								t.Fatalf("unexpected exported value: %s (update allowlist or internalize)", id.Name)
							}
						}
					}
				case *ast.FuncDecl:
					if x.Recv == nil && x.Name.IsExported() {
						if _, ok := allowed[x.Name.Name]; !ok {
							t.Fatalf("unexpected exported function: %s (update allowlist or internalize)", x.Name.Name)
						}
					}
				}
				return true
			})
		}
	}
}
