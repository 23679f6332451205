package config

import (
	"os"
	"strconv"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/compression"
)

// LoadFromEnv applies REPLISYNC_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	cfg.NodeID = GetEnvOrDefault("REPLISYNC_NODE_ID", cfg.NodeID)

	cfg.Logging.Level = GetEnvOrDefault("REPLISYNC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnvOrDefault("REPLISYNC_LOG_FORMAT", cfg.Logging.Format)

	cfg.FlagsFile = GetEnvOrDefault("REPLISYNC_FLAGS_FILE", cfg.FlagsFile)

	if enabled := os.Getenv("REPLISYNC_ENABLE_VECTOR_CLOCKS"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return common.ErrValidation("REPLISYNC_ENABLE_VECTOR_CLOCKS", err.Error())
		}
		cfg.Conflict.EnableVectorClocks = b
	}

	if maxTracked := os.Getenv("REPLISYNC_MAX_TRACKED_CONFLICTS"); maxTracked != "" {
		n, err := strconv.Atoi(maxTracked)
		if err != nil {
			return common.ErrValidation("REPLISYNC_MAX_TRACKED_CONFLICTS", err.Error())
		}
		cfg.Conflict.MaxTrackedConflicts = n
	}

	// Diff engine
	if alg := os.Getenv("REPLISYNC_COMPRESSION_ALGORITHM"); alg != "" {
		cfg.Diff.Compression.Algorithm = compression.Algorithm(alg)
	}
	if threshold := os.Getenv("REPLISYNC_COMPRESSION_THRESHOLD"); threshold != "" {
		n, err := strconv.Atoi(threshold)
		if err != nil {
			return common.ErrValidation("REPLISYNC_COMPRESSION_THRESHOLD", err.Error())
		}
		cfg.Diff.Compression.ThresholdBytes = n
	}

	return nil
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
