// Package config holds the daemon configuration: where pool configuration,
// autostart links, and runtime state live on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config describes the directories the storage driver works against plus a
// couple of daemon-level knobs. All directories must be absolute paths.
type Config struct {
	// Privileged selects the system-wide default directory layout when the
	// directory fields are left empty.
	Privileged bool `yaml:"privileged"`

	// ConfigDir holds one XML definition file per persistent pool.
	ConfigDir string `yaml:"config_dir,omitempty"`

	// AutostartDir holds symlinks into ConfigDir for pools flagged autostart.
	AutostartDir string `yaml:"autostart_dir,omitempty"`

	// StateDir holds one state file per active pool, mirroring live status
	// across daemon restarts.
	StateDir string `yaml:"state_dir,omitempty"`

	// LogLevel is a logrus level name ("info", "debug", ...).
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the configuration for a privileged (system) or session
// daemon with the standard directory layout.
func Default(privileged bool) *Config {
	cfg := &Config{Privileged: privileged, LogLevel: "info"}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file and fills in defaults for any
// directory left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks that every directory is an absolute path.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		path string
	}{
		{"config_dir", c.ConfigDir},
		{"autostart_dir", c.AutostartDir},
		{"state_dir", c.StateDir},
	} {
		if !filepath.IsAbs(d.path) {
			return fmt.Errorf("%s must be an absolute path, got %q", d.name, d.path)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Privileged {
		if c.ConfigDir == "" {
			c.ConfigDir = "/etc/storaged/storage"
		}
		if c.AutostartDir == "" {
			c.AutostartDir = "/etc/storaged/storage/autostart"
		}
		if c.StateDir == "" {
			c.StateDir = "/run/storaged/storage"
		}
		return
	}

	confHome := os.Getenv("XDG_CONFIG_HOME")
	if confHome == "" {
		confHome = filepath.Join(os.Getenv("HOME"), ".config")
	}
	runDir := os.Getenv("XDG_RUNTIME_DIR")
	if runDir == "" {
		runDir = filepath.Join(os.Getenv("HOME"), ".cache")
	}

	if c.ConfigDir == "" {
		c.ConfigDir = filepath.Join(confHome, "storaged", "storage")
	}
	if c.AutostartDir == "" {
		c.AutostartDir = filepath.Join(confHome, "storaged", "storage", "autostart")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(runDir, "storaged", "storage")
	}
}
