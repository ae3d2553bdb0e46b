package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/viable-systems/capacquire/apitypes"
)

func TestLoadFileConfigEmptyPath(t *testing.T) {
	cfg, err := loadFileConfig("")
	if err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
	if len(cfg.Discovery.Catalogs) != 0 {
		t.Fatalf("expected zero catalogs, got %d", len(cfg.Discovery.Catalogs))
	}
}

func TestLoadFileConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acquired.yaml")
	data := `
variety:
  weights:
    operations: 2.5
    policy: 0.5
  threshold: 0.9
  projection:
    operational_capabilities:
      priority: high
      search_terms: [tool, automation]
discovery:
  marker: mcp-server
  aliases:
    search: [brave-search, websearch]
  catalogs:
    - name: npm
      url: https://registry.example.com/search
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Variety.Weights.Operations != 2.5 {
		t.Fatalf("expected operations weight 2.5, got %v", cfg.Variety.Weights.Operations)
	}
	if cfg.Discovery.Marker != "mcp-server" {
		t.Fatalf("expected marker override, got %q", cfg.Discovery.Marker)
	}
	if len(cfg.Discovery.Catalogs) != 1 || cfg.Discovery.Catalogs[0].Name != "npm" {
		t.Fatalf("unexpected catalogs: %+v", cfg.Discovery.Catalogs)
	}

	vc := cfg.varietyConfig()
	desc, ok := vc.Projection["operational_capabilities"]
	if !ok {
		t.Fatal("expected projection entry for operational_capabilities")
	}
	if desc.Priority != apitypes.PriorityHigh || !desc.SearchTerms["tool"] || !desc.SearchTerms["automation"] {
		t.Fatalf("unexpected projected descriptor: %+v", desc)
	}
	if vc.Threshold != 0.9 {
		t.Fatalf("expected threshold 0.9, got %v", vc.Threshold)
	}
}

func TestLoadFileConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("variety: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFileConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
