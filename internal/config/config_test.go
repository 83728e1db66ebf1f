package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RuntimeDir = "/run/user/1000/court"
	cfg.Namespace = "editor"

	if got := cfg.SocketPath(); got != filepath.Join("/run/user/1000/court", "editor.sock") {
		t.Fatalf("unexpected socket path %s", got)
	}
	if got := cfg.LockPath(); got != filepath.Join("/run/user/1000/court", "editor.lock") {
		t.Fatalf("unexpected lock path %s", got)
	}
	if got := cfg.PeasantSocketPath(42); got != filepath.Join("/run/user/1000/court", "editor-peasant-42.sock") {
		t.Fatalf("unexpected peasant socket path %s", got)
	}
}

func TestJournalFileHonorsOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JournalPath = "/tmp/custom.db"
	if got := cfg.JournalFile(); got != "/tmp/custom.db" {
		t.Fatalf("expected override honored, got %s", got)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COURT_NAMESPACE", "myapp")
	t.Setenv("COURT_RUNTIME_DIR", "/tmp/court-test")
	t.Setenv("COURT_HEARTBEAT_INTERVAL", "250ms")
	t.Setenv("COURT_LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Namespace != "myapp" {
		t.Fatalf("expected namespace override, got %s", cfg.Namespace)
	}
	if cfg.RuntimeDir != "/tmp/court-test" {
		t.Fatalf("expected runtime dir override, got %s", cfg.RuntimeDir)
	}
	if cfg.HeartbeatInterval != 250*time.Millisecond {
		t.Fatalf("expected heartbeat override, got %s", cfg.HeartbeatInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level override, got %s", cfg.LogLevel)
	}
}

func TestFromEnvKeepsDefaultsWhenUnset(t *testing.T) {
	t.Setenv("COURT_NAMESPACE", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Namespace != "court" {
		t.Fatalf("expected default namespace, got %s", cfg.Namespace)
	}
	if cfg.ProcessID <= 0 {
		t.Fatalf("expected live pid, got %d", cfg.ProcessID)
	}
	if len(cfg.RetryBackoff) == 0 {
		t.Fatalf("expected retry schedule")
	}
}
