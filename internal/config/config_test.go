package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MaxIterations != 10 || cfg.Agent.ContextWindow != 20 || cfg.Agent.ClarifyBudget != 5 {
		t.Errorf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Session.IdleMinutes != 30 {
		t.Errorf("unexpected idle default: %d", cfg.Session.IdleMinutes)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("unexpected store default: %s", cfg.Store.Backend)
	}
}

func TestLoadTOMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matdisc.toml")
	data := `
[llm]
model = "test-model"
api_key = "from-file"

[agent]
max_iterations = 4
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MATDISC_LLM_API_KEY", "from-env")

	cfg := Load(path)
	if cfg.LLM.Model != "test-model" {
		t.Errorf("toml not applied: %s", cfg.LLM.Model)
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Errorf("toml agent section not applied: %d", cfg.Agent.MaxIterations)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("env must win over file: %s", cfg.LLM.APIKey)
	}
	// Untouched sections keep defaults.
	if cfg.Agent.ContextWindow != 20 {
		t.Errorf("default lost: %d", cfg.Agent.ContextWindow)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("defaults not applied: %d", cfg.Agent.MaxIterations)
	}
}
