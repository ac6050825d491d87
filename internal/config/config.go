// Package config loads the ambient daemon settings this core needs from
// its environment and an optional YAML file, the way
// ehrlich-b-wingthing's internal/config/wing.go loads its own settings:
// values from the YAML file take precedence, environment variables fill
// in what the file leaves unset, and the file is optional (its absence
// is not an error).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/MaXinjian/lttng-relayd-core/internal/notify"
)

// HealthSockPathEnv overrides the health socket path.
const HealthSockPathEnv = "HEALTH_SOCK_PATH"

const defaultHealthSockName = "relayd-core-health.sock"

// maxSockPathLen bounds the health socket path override; a longer value
// is ignored rather than truncated.
const maxSockPathLen = 4095

// Config holds the ambient settings this module's cmd entrypoint
// needs; only process-lifecycle plumbing lives here, never the relay's
// session/consumer wire configuration.
type Config struct {
	// Rundir is the directory the health socket is rooted under when no
	// more specific path is given.
	Rundir string `yaml:"rundir,omitempty"`
	// HealthSockPath overrides the derived health socket path.
	HealthSockPath string `yaml:"health_sock_path,omitempty"`
	// NotificationMaxQueued overrides notify.DefaultMaxQueued.
	NotificationMaxQueued int `yaml:"notification_max_queued,omitempty"`
}

// HealthPath resolves the effective health socket path: an explicit
// HealthSockPath wins, then HEALTH_SOCK_PATH, then a name derived from
// Rundir.
func (c *Config) HealthPath() string {
	if c.HealthSockPath != "" && len(c.HealthSockPath) <= maxSockPathLen {
		return c.HealthSockPath
	}
	if p := os.Getenv(HealthSockPathEnv); p != "" && len(p) <= maxSockPathLen {
		return p
	}
	rundir := c.Rundir
	if rundir == "" {
		rundir = os.TempDir()
	}
	return filepath.Join(rundir, defaultHealthSockName)
}

// MaxQueued resolves the effective notification FIFO bound.
func (c *Config) MaxQueued() int {
	if c.NotificationMaxQueued > 0 {
		return c.NotificationMaxQueued
	}
	return notify.DefaultMaxQueued
}

// Load reads path (if it exists) as YAML into a Config, then fills any
// field the file left unset from the environment. A missing file is not an error: Load returns a
// zero-value Config seeded purely from the environment, matching
// LoadWingConfig's "absent file is a valid, empty config" behavior.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			// no file, fall through to env-only config
		default:
			return nil, err
		}
	}

	if cfg.Rundir == "" {
		if rd := os.Getenv("LTTNG_RELAYD_RUNDIR"); rd != "" {
			cfg.Rundir = rd
		}
	}
	if cfg.NotificationMaxQueued == 0 {
		if raw := os.Getenv("LTTNG_RELAYD_NOTIFICATION_MAX_QUEUED"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				cfg.NotificationMaxQueued = n
			}
		}
	}

	return cfg, nil
}
