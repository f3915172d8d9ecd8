// Package config loads sshxd's process configuration: an optional
// config.toml merged with environment variable overrides, matching the
// teacher's LoadConfig (TOML-file-then-env-override) shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level server configuration.
type Config struct {
	// Listen is the HTTP listen address, default "0.0.0.0:8051" (§6).
	Listen string `toml:"listen"`
	// DataDir is where the SQLite store file and config.toml itself live.
	DataDir string `toml:"data_dir"`
	// StoreDSN overrides the directory the SQLite database file (sshx.db)
	// is created in, which is otherwise DataDir, e.g. to point it at a
	// shared volume.
	StoreDSN string `toml:"store_dsn,omitempty"`
	// DashboardKey, if set, gates GET /api/sessions (§6 Environment).
	DashboardKey string `toml:"dashboard_key,omitempty"`

	// ReplayWindowBytes is the minimum retained scrollback per shell
	// (§4.5), default 64 KiB.
	ReplayWindowBytes int `toml:"replay_window_bytes"`
	// SnapshotIntervalSecs is handed to the supervisor as its
	// SnapshotInterval, default 2. The supervisor writes a snapshot on
	// its ping tick whenever a shell open or close, a window move or a
	// chat message has marked the session dirty. Shell output alone does
	// not mark it dirty, so no snapshot is taken while only byte-stream
	// data is flowing, and this interval does not change when snapshots
	// are written.
	SnapshotIntervalSecs int `toml:"snapshot_interval_secs"`
	// IdleWindowSecs is how long a session may sit with no host and no
	// viewers before it is reaped (§3, §5, §8 "Idle reap"), default 300.
	IdleWindowSecs int `toml:"idle_window_secs"`
}

// Default returns the spec's stated defaults.
func Default() Config {
	return Config{
		Listen:               "0.0.0.0:8051",
		DataDir:              "./data",
		ReplayWindowBytes:    64 * 1024,
		SnapshotIntervalSecs: 2,
		IdleWindowSecs:       300,
	}
}

// Load reads config.toml from dataDir (if present), applies environment
// variable overrides, and validates the result. SSHX_DATA_DIR supplies
// the directory only when dataDir is empty, so an explicitly passed
// dataDir (the --data-dir flag) takes precedence over it.
func Load(dataDir string) (Config, error) {
	if envDir := os.Getenv("SSHX_DATA_DIR"); envDir != "" && dataDir == "" {
		dataDir = envDir
	}
	if dataDir == "" {
		dataDir = Default().DataDir
	}

	cfg := Default()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		// DecodeFile overwrites DataDir with whatever the file says (or
		// zeroes it, if absent); the directory we actually read from
		// always wins.
		cfg.DataDir = dataDir
	}

	if v := os.Getenv("SSHX_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DASHBOARD_KEY"); v != "" {
		cfg.DashboardKey = v
	}
	if v := os.Getenv("SSHX_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("SSHX_REPLAY_WINDOW_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SSHX_REPLAY_WINDOW_BYTES: %w", err)
		}
		cfg.ReplayWindowBytes = n
	}
	if v := os.Getenv("SSHX_SNAPSHOT_INTERVAL_SECS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SSHX_SNAPSHOT_INTERVAL_SECS: %w", err)
		}
		cfg.SnapshotIntervalSecs = n
	}
	if v := os.Getenv("SSHX_IDLE_WINDOW_SECS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SSHX_IDLE_WINDOW_SECS: %w", err)
		}
		cfg.IdleWindowSecs = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that, left wrong, would only surface as a
// confusing failure much later (storage open, supervisor spawn).
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ReplayWindowBytes <= 0 {
		return fmt.Errorf("replay_window_bytes must be positive, got %d", c.ReplayWindowBytes)
	}
	if c.SnapshotIntervalSecs <= 0 {
		return fmt.Errorf("snapshot_interval_secs must be positive, got %d", c.SnapshotIntervalSecs)
	}
	if c.IdleWindowSecs <= 0 {
		return fmt.Errorf("idle_window_secs must be positive, got %d", c.IdleWindowSecs)
	}
	return nil
}

// StoreDir is the directory store.NewSQLiteStore opens its database
// file under: DataDir unless StoreDSN explicitly overrides it.
func (c Config) StoreDir() string {
	if c.StoreDSN != "" {
		return c.StoreDSN
	}
	return c.DataDir
}

// EventLogDir is where each session's observability event log (§6,
// ambient tooling independent of the replicated snapshot) is written,
// one JSONL file per session name.
func (c Config) EventLogDir() string {
	return filepath.Join(c.DataDir, "events")
}

func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSecs) * time.Second
}

func (c Config) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindowSecs) * time.Second
}
