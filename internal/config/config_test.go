package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SSHX_DATA_DIR", "SSHX_LISTEN", "DASHBOARD_KEY", "SSHX_STORE_DSN",
		"SSHX_REPLAY_WINDOW_BYTES", "SSHX_SNAPSHOT_INTERVAL_SECS", "SSHX_IDLE_WINDOW_SECS",
	} {
		old, ok := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if ok {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:8051" {
		t.Errorf("got listen %q", cfg.Listen)
	}
	if cfg.ReplayWindowBytes != 64*1024 {
		t.Errorf("got replay window %d", cfg.ReplayWindowBytes)
	}
	if cfg.IdleWindowSecs != 300 {
		t.Errorf("got idle window %d", cfg.IdleWindowSecs)
	}
}

func TestLoadFromTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	contents := `
listen = "127.0.0.1:9999"
dashboard_key = "secret"
replay_window_bytes = 131072
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config.toml: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Errorf("got listen %q", cfg.Listen)
	}
	if cfg.DashboardKey != "secret" {
		t.Errorf("got dashboard key %q", cfg.DashboardKey)
	}
	if cfg.ReplayWindowBytes != 131072 {
		t.Errorf("got replay window %d", cfg.ReplayWindowBytes)
	}
	if cfg.DataDir != dir {
		t.Errorf("got data dir %q, want %q", cfg.DataDir, dir)
	}
}

func TestEnvOverridesTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`listen = "127.0.0.1:1"`), 0o644); err != nil {
		t.Fatalf("writing config.toml: %v", err)
	}
	os.Setenv("SSHX_LISTEN", "127.0.0.1:2")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:2" {
		t.Errorf("env override did not apply, got %q", cfg.Listen)
	}
}

func TestLoadRejectsBadIntEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("SSHX_REPLAY_WINDOW_BYTES", "not-a-number")
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for malformed SSHX_REPLAY_WINDOW_BYTES")
	}
}

func TestValidateRejectsEmptyListen(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty listen address")
	}
}

func TestStoreDirPrefersStoreDSN(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	if got := cfg.StoreDir(); got != "/data" {
		t.Errorf("got %q", got)
	}
	cfg.StoreDSN = "/tmp/custom-store"
	if got := cfg.StoreDir(); got != "/tmp/custom-store" {
		t.Errorf("got %q", got)
	}
}
