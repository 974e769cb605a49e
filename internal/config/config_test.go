package config_test

import (
	"testing"

	"sevtrack/internal/config"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg := config.Default("ws1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workspace.ID != "ws1" {
		t.Fatalf("workspace id %q", cfg.Workspace.ID)
	}
	if !cfg.HasValidationType("Funcional") || !cfg.HasDivision("Passageiros") {
		t.Fatal("default catalog missing expected entries")
	}
	if len(cfg.Catalog.Systems) == 0 || len(cfg.Catalog.Environments) == 0 {
		t.Fatal("default catalog has no systems or environments")
	}
	if cfg.MaxEvidenceBytes() != 5<<20 {
		t.Fatalf("evidence cap %d", cfg.MaxEvidenceBytes())
	}
	if cfg.EditWindow() != 24 {
		t.Fatalf("edit window %d", cfg.EditWindow())
	}
}

func TestFromYAMLRejectsEmptyCatalog(t *testing.T) {
	_, err := config.FromYAML([]byte("workspace:\n  id: ws1\n"))
	if err == nil {
		t.Fatal("expected validation error for empty catalog")
	}
}
