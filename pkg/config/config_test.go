package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
server:
  port: 9090
security:
  api_key: "test-key"
profiles:
  - id: python-default
    containers:
      - name: main
        image: python:3.11
        runtime_type: python
        runtime_port: 8000
        capabilities: [python]
        primary_for: [python]
    idle_timeout: 300
  - id: legacy-shell
    image: bash:5
    runtime_type: shell
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bay.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected configured port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Driver.Type != "local" {
		t.Fatalf("expected default driver type 'local', got %q", cfg.Driver.Type)
	}
	if cfg.Cargo.MountPath != "/workspace" {
		t.Fatalf("expected default mount path, got %q", cfg.Cargo.MountPath)
	}
	if len(cfg.Profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(cfg.Profiles))
	}

	legacy := cfg.Profiles[1]
	if len(legacy.Containers) != 1 || legacy.Containers[0].Image != "bash:5" {
		t.Fatalf("expected legacy profile normalized, got %+v", legacy)
	}
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 1234\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when api_key is unset and allow_anonymous is false")
	}
}

func TestLoadRejectsDuplicateProfileIDs(t *testing.T) {
	path := writeConfig(t, `
security:
  api_key: k
profiles:
  - id: dup
    containers: [{name: a, image: x, runtime_port: 1}]
  - id: dup
    containers: [{name: b, image: y, runtime_port: 1}]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate profile ids")
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("BAY_SERVER_PORT", "7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("expected env override to win, got %d", cfg.Server.Port)
	}
}
