package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Fatalf("expected default ceiling 8, got %d", cfg.Agent.MaxIterations)
	}
	if !cfg.Agent.CountFailed() {
		t.Fatalf("failed iterations should count toward the ceiling by default")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	content := `
agent:
  max_iterations: 3
  max_wall_time: 2m
compaction:
  budgets:
    websearch: 1500
jobs:
  retention: 1h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Fatalf("expected ceiling 3, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxWallTime != 2*time.Minute {
		t.Fatalf("expected wall time 2m, got %v", cfg.Agent.MaxWallTime)
	}
	if cfg.Compact.Budgets["websearch"] != 1500 {
		t.Fatalf("expected websearch budget 1500, got %d", cfg.Compact.Budgets["websearch"])
	}
	if cfg.Jobs.Retention != time.Hour {
		t.Fatalf("expected retention 1h, got %v", cfg.Jobs.Retention)
	}
	// Untouched sections keep defaults.
	if cfg.Inference.Provider != "openai" {
		t.Fatalf("expected default provider, got %q", cfg.Inference.Provider)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("AGENTD_TEST_KEY", "sk-test")
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	content := "inference:\n  api_key: ${AGENTD_TEST_KEY}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Inference.APIKey != "sk-test" {
		t.Fatalf("expected env-expanded api key, got %q", cfg.Inference.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Inference.Provider = "cohere" }},
		{"zero ceiling", func(c *Config) { c.Agent.MaxIterations = 0 }},
		{"negative wall time", func(c *Config) { c.Agent.MaxWallTime = -time.Second }},
		{"zero default budget", func(c *Config) { c.Compact.DefaultBudget = 0 }},
		{"zero tool budget", func(c *Config) { c.Compact.Budgets = map[string]int{"websearch": 0} }},
		{"zero retention", func(c *Config) { c.Jobs.Retention = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
