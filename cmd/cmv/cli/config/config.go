// Package config loads and saves the engine configuration at
// <home>/config.json. A missing file yields defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/jsonutil"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/paths"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/trim"
)

// Defaults for the auto-trim hook.
const (
	DefaultAutoTrimThreshold  = trim.DefaultThreshold
	DefaultSizeThresholdBytes = 600_000
	DefaultMaxBackups         = 5
)

// AutoTrim configures the auto-trim hook path.
type AutoTrim struct {
	// Threshold is the stub threshold passed to the trimmer (min 50).
	Threshold int `json:"threshold"`

	// SizeThresholdBytes gates PostToolUse trims: transcripts smaller than
	// this are left alone.
	SizeThresholdBytes int64 `json:"sizeThresholdBytes"`

	// MaxBackups is how many pre-trim backups to keep per session.
	MaxBackups int `json:"maxBackups"`
}

// Config is the engine configuration.
type Config struct {
	// ClaudeCLIPath optionally overrides where the host assistant binary is found.
	ClaudeCLIPath string `json:"claude_cli_path,omitempty"`

	// DefaultProject optionally pins operations to one project path.
	DefaultProject string `json:"default_project,omitempty"`

	AutoTrim AutoTrim `json:"autoTrim"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		AutoTrim: AutoTrim{
			Threshold:          DefaultAutoTrimThreshold,
			SizeThresholdBytes: DefaultSizeThresholdBytes,
			MaxBackups:         DefaultMaxBackups,
		},
	}
}

// Load reads config.json, returning defaults when the file is absent.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path is under the engine home
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Save writes the configuration atomically.
func (c *Config) Save() error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	home, err := paths.CmvHome()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return jsonutil.WriteJSONAtomic(path, c, 0o600)
}

func applyDefaults(cfg *Config) {
	if cfg.AutoTrim.Threshold == 0 {
		cfg.AutoTrim.Threshold = DefaultAutoTrimThreshold
	}
	if cfg.AutoTrim.Threshold < trim.MinThreshold {
		cfg.AutoTrim.Threshold = trim.MinThreshold
	}
	if cfg.AutoTrim.SizeThresholdBytes == 0 {
		cfg.AutoTrim.SizeThresholdBytes = DefaultSizeThresholdBytes
	}
	if cfg.AutoTrim.MaxBackups == 0 {
		cfg.AutoTrim.MaxBackups = DefaultMaxBackups
	}
}
