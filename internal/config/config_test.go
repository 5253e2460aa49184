package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MIRADOR_LOGWATCH_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":50061" || cfg.Server.HTTPAddress != ":8080" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Grouping.Window != 5*time.Minute || cfg.Pipeline.GenerationConcurrency != 4 {
		t.Fatalf("unexpected pipeline defaults: %+v %+v", cfg.Grouping, cfg.Pipeline)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.Redis.KeyPrefix != "mirador:logwatch" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Email.Cooldown != 15*time.Minute {
		t.Fatalf("unexpected email cooldown %v", cfg.Email.Cooldown)
	}
	if cfg.Detection.ErrorRateThreshold != 0.05 || cfg.Detection.RepeatWindow != 5*time.Minute || cfg.Detection.MinRepeats != 5 {
		t.Fatalf("unexpected detection defaults: %+v", cfg.Detection)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logwatch.yaml")
	if err := os.WriteFile(path, []byte(`
server:
  address: ":6000"
grouping:
  window: 2m
  similarityBuckets: true
email:
  enabled: true
  to: ["sre@example.com"]
storage:
  backend: redis
  redis:
    addr: "localhost:6379"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MIRADOR_LOGWATCH_HTTP_ADDRESS", ":9090")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MIRADOR_LOGWATCH_GENERATION_CONCURRENCY", "8")
	t.Setenv("MIRADOR_LOGWATCH_EMAIL_TO", "a@example.com, b@example.com")
	t.Setenv("GCP_PROJECT_ID", "demo-project")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":6000" || cfg.Server.HTTPAddress != ":9090" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Grouping.Window != 2*time.Minute || !cfg.Grouping.SimilarityBuckets {
		t.Fatalf("unexpected grouping config: %+v", cfg.Grouping)
	}
	if cfg.Reasoning.APIKey != "sk-test" || cfg.Pipeline.GenerationConcurrency != 8 {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Reasoning, cfg.Pipeline)
	}
	if len(cfg.Email.To) != 2 || cfg.Email.To[1] != "b@example.com" {
		t.Fatalf("unexpected recipients %v", cfg.Email.To)
	}
	if cfg.CloudLogging.ProjectID != "demo-project" {
		t.Fatalf("unexpected project %q", cfg.CloudLogging.ProjectID)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "storage:\n  backend: etcd\n",
		"redis addr":      "storage:\n  backend: redis\n",
		"archive bucket":  "archive:\n  enabled: true\n",
		"window":          "grouping:\n  window: 0s\n",
		"error rate":      "detection:\n  errorRateThreshold: 1.5\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadBundledExampleConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "logwatch.yaml"))
	if err != nil {
		t.Fatalf("load bundled config: %v", err)
	}
	if cfg.Reasoning.Model != "gpt-4o-mini" || cfg.CloudLogging.Filter != "severity>=WARNING" {
		t.Fatalf("unexpected bundled config: %+v %+v", cfg.Reasoning, cfg.CloudLogging)
	}
	if len(cfg.Email.To) != 1 || cfg.Email.To[0] != "oncall@example.com" {
		t.Fatalf("unexpected recipients %v", cfg.Email.To)
	}
}
