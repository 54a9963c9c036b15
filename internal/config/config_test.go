package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("default log level: %q", cfg.LogLevel)
	}
	if cfg.Database.Path != filepath.Join(home, "orchestrator.db") {
		t.Fatalf("default db path: %q", cfg.Database.Path)
	}
	if cfg.Snapshot.Schedule != DefaultSnapshotSchedule {
		t.Fatalf("default snapshot schedule: %q", cfg.Snapshot.Schedule)
	}
	if cfg.Gate.PollIntervalSeconds != DefaultGatePollSeconds {
		t.Fatalf("default gate poll interval: %d", cfg.Gate.PollIntervalSeconds)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	home := t.TempDir()
	raw := `
log_level: debug
database:
  path: /tmp/custom.db
snapshot:
  enabled: true
  schedule: "*/5 * * * *"
  projects: [p1, p2]
gate:
  base_url: http://localhost:9090
  poll_interval_seconds: 2
otel:
  enabled: true
  exporter: none
`
	if err := os.WriteFile(ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Database.Path != "/tmp/custom.db" {
		t.Fatalf("parsed config: %+v", cfg)
	}
	if !cfg.Snapshot.Enabled || len(cfg.Snapshot.Projects) != 2 {
		t.Fatalf("snapshot config: %+v", cfg.Snapshot)
	}
	if cfg.Gate.BaseURL != "http://localhost:9090" || cfg.Gate.PollIntervalSeconds != 2 {
		t.Fatalf("gate config: %+v", cfg.Gate)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "none" {
		t.Fatalf("otel config: %+v", cfg.OTel)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatalf("expected error for bad log level")
	}

	if err := os.WriteFile(ConfigPath(home), []byte("gate:\n  base_url: ftp://x\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatalf("expected error for non-http gate url")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg, _ := Load(home)
	cfg.LogLevel = "warn"
	cfg.Snapshot.Projects = []string{"p9"}
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.LogLevel != "warn" || len(loaded.Snapshot.Projects) != 1 {
		t.Fatalf("round trip: %+v", loaded)
	}
}

func TestGateAuthToken(t *testing.T) {
	cfg := &Config{Gate: GateConfig{AuthTokenEnv: "ORCH_TEST_GATE_TOKEN"}}
	t.Setenv("ORCH_TEST_GATE_TOKEN", "tok-123")
	if got := cfg.GateAuthToken(); got != "tok-123" {
		t.Fatalf("token: %q", got)
	}
	cfg.Gate.AuthTokenEnv = ""
	if got := cfg.GateAuthToken(); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
