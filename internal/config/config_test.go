package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8408 {
		t.Errorf("unexpected default port %d", cfg.Port)
	}
	if cfg.EventLogCapacity != 1000 {
		t.Errorf("unexpected default event log capacity %d", cfg.EventLogCapacity)
	}
	if cfg.Agent.Command == "" {
		t.Error("expected a default agent command")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
port: 9000
db_path: /tmp/hub.db
max_sessions: 4
grace_period: 10s
agent:
  command: fake-agent
  args: ["--json"]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.MaxSessions != 4 {
		t.Errorf("expected max_sessions 4, got %d", cfg.MaxSessions)
	}
	if cfg.GracePeriod != 10*time.Second {
		t.Errorf("expected grace_period 10s, got %s", cfg.GracePeriod)
	}
	if cfg.Agent.Command != "fake-agent" || len(cfg.Agent.Args) != 1 {
		t.Errorf("unexpected agent config %+v", cfg.Agent)
	}
	// Unset fields keep defaults.
	if cfg.InboxCapacity != 256 {
		t.Errorf("expected default inbox capacity, got %d", cfg.InboxCapacity)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SESSIONHUB_PORT", "7070")
	t.Setenv("SESSIONHUB_AGENT_COMMAND", "other-agent")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7070 {
		t.Errorf("expected env port 7070, got %d", cfg.Port)
	}
	if cfg.Agent.Command != "other-agent" {
		t.Errorf("expected env agent command, got %q", cfg.Agent.Command)
	}
}

func TestLoad_InvalidEnvPort(t *testing.T) {
	t.Setenv("SESSIONHUB_PORT", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparseable port")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
