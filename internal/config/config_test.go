package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv(HealthSockPathEnv, "")
	t.Setenv("LTTNG_RELAYD_RUNDIR", "/var/run/relayd")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rundir != "/var/run/relayd" {
		t.Fatalf("expected rundir from env, got %q", cfg.Rundir)
	}
	if got := cfg.HealthPath(); got != filepath.Join("/var/run/relayd", defaultHealthSockName) {
		t.Fatalf("unexpected derived health path: %q", got)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	content := "rundir: /tmp/relayd\nhealth_sock_path: /tmp/relayd/health.sock\nnotification_max_queued: 128\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HealthPath() != "/tmp/relayd/health.sock" {
		t.Fatalf("expected explicit health_sock_path to win, got %q", cfg.HealthPath())
	}
	if cfg.MaxQueued() != 128 {
		t.Fatalf("expected MaxQueued override, got %d", cfg.MaxQueued())
	}
}

func TestHealthSockPathEnvOverridesDerivedPath(t *testing.T) {
	t.Setenv(HealthSockPathEnv, "/run/override.sock")

	cfg := &Config{Rundir: "/var/run/relayd"}
	if got := cfg.HealthPath(); got != "/run/override.sock" {
		t.Fatalf("expected env override to win over rundir, got %q", got)
	}
}

func TestOverlongHealthSockPathIsIgnored(t *testing.T) {
	long := "/run/" + strings.Repeat("x", maxSockPathLen)
	t.Setenv(HealthSockPathEnv, long)

	cfg := &Config{Rundir: "/var/run/relayd"}
	if got := cfg.HealthPath(); got != filepath.Join("/var/run/relayd", defaultHealthSockName) {
		t.Fatalf("expected an overlong env override to be ignored, got %q", got)
	}
}

func TestMaxQueuedDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	if cfg.MaxQueued() <= 0 {
		t.Fatal("expected a positive default MaxQueued")
	}
}
