package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected dev env by default")
	}
	if cfg.IsProd() {
		t.Fatalf("expected not prod by default")
	}
	if cfg.SecretsMaxReads != 1 {
		t.Fatalf("expected default max reads 1, got %d", cfg.SecretsMaxReads)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_MODELS", "codex-gpt-5.2, claude-sonnet-4.5 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsProd() || cfg.IsDev() {
		t.Fatalf("expected prod env")
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	set := cfg.AllowedModelSet()
	if !set["codex-gpt-5.2"] || !set["claude-sonnet-4.5"] || set[""] {
		t.Fatalf("unexpected allowed model set: %+v", set)
	}
}

func TestAllowedModelSetEmpty(t *testing.T) {
	cfg := Config{AllowedModels: ""}
	if len(cfg.AllowedModelSet()) != 0 {
		t.Fatalf("expected empty set")
	}
}
