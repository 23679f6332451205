// Package config loads the replisync configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/conflict"
	"github.com/FairForge/replisync/internal/delta"
	"github.com/FairForge/replisync/internal/flags"
	"github.com/FairForge/replisync/internal/logging"
	"github.com/FairForge/replisync/internal/snapshot"
)

// Config is the top-level configuration of a reconciliation node.
type Config struct {
	// NodeID names this coordinator in vector clocks.
	NodeID  string               `yaml:"node_id"`
	Logging logging.LoggerConfig `yaml:"logging"`
	Flags   map[string]bool      `yaml:"flags"`
	// FlagsFile, when set, replaces Flags with a watched YAML file.
	FlagsFile string                  `yaml:"flags_file"`
	Conflict  conflict.Config         `yaml:"conflict_resolver"`
	Diff      delta.Config            `yaml:"diff_engine"`
	Replicas  []snapshot.SourceConfig `yaml:"replicas"`
}

// Default returns a configuration that runs without a file.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "replisync"
	}
	return Config{
		NodeID:   hostname,
		Logging:  logging.LoggerConfig{Level: logging.LevelInfo, Format: logging.FormatJSON},
		Flags:    map[string]bool{flags.VectorClocks: true},
		Conflict: conflict.DefaultConfig(),
		Diff:     delta.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies REPLISYNC_* overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := LoadFromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return common.ErrValidation("node_id", "required")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Conflict.Validate(); err != nil {
		return err
	}
	if err := c.Diff.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Replicas))
	for _, r := range c.Replicas {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return common.ErrValidation("replicas", fmt.Sprintf("duplicate replica name %q", r.Name))
		}
		seen[r.Name] = true
	}
	return nil
}

// FlagProvider returns the file-backed provider when FlagsFile is set and
// the inline flags otherwise. Callers own the Watch loop of a FileProvider.
func (c *Config) FlagProvider(logger *zap.Logger) (flags.Provider, error) {
	if c.FlagsFile == "" {
		return flags.NewStatic(c.Flags), nil
	}
	p, err := flags.NewFileProvider(c.FlagsFile, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Logger builds the zap logger described by the logging section.
func (c *Config) Logger() (*zap.Logger, error) {
	lc := c.Logging
	lc.ApplyDefaults()
	return logging.New(lc)
}
