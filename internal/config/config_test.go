package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/compression"
	"github.com/FairForge/replisync/internal/flags"
	"github.com/FairForge/replisync/internal/logging"
	"github.com/FairForge/replisync/internal/merkle"
	"github.com/FairForge/replisync/internal/snapshot"
)

const sampleConfig = `
node_id: coord-1
logging:
  level: debug
  format: console
flags:
  enable_vector_clocks: true
conflict_resolver:
  enable_vector_clocks: true
  max_tracked_conflicts: 50
  resolution_strategies:
    - user_defined:critical
    - last_write_wins
  policies:
    - name: critical
      rules:
        - key_prefix: "billing/"
          action: prefer_source:primary
      default_action: manual
diff_engine:
  enable_compression: true
  compression_threshold_bytes: 2048
  compression_algorithm: s2
  enable_merkle_trees: true
  merkle_hash: blake2b
  chunking_algorithm: rabin
replicas:
  - name: primary
    kind: bolt
    path: /var/lib/replisync/primary.db
  - name: reporting
    kind: sql
    driver: postgres
    dsn: postgres://replisync@db/replisync?sslmode=disable
    table: records
  - name: archive
    kind: s3
    bucket: replica-archive
    prefix: records/
    s3:
      endpoint: https://s3.example.com
      region: eu-west-1
      use_path_style: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replisync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "coord-1", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	assert.Equal(t, 50, cfg.Conflict.MaxTrackedConflicts)
	assert.Equal(t, []string{"user_defined:critical", "last_write_wins"}, cfg.Conflict.Strategies)
	require.Len(t, cfg.Conflict.Policies, 1)
	assert.Equal(t, "prefer_source:primary", cfg.Conflict.Policies[0].Rules[0].Action)

	assert.Equal(t, 2048, cfg.Diff.Compression.ThresholdBytes)
	assert.Equal(t, compression.AlgorithmS2, cfg.Diff.Compression.Algorithm)
	assert.Equal(t, merkle.BLAKE2b, cfg.Diff.MerkleHash)

	require.Len(t, cfg.Replicas, 3)
	assert.Equal(t, snapshot.KindBolt, cfg.Replicas[0].Kind)
	assert.Equal(t, "postgres", cfg.Replicas[1].Driver)
	assert.Equal(t, "eu-west-1", cfg.Replicas[2].S3.Region)
	assert.True(t, cfg.Replicas[2].S3.UsePathStyle)
}

func TestLoad_KeepsDefaultsForOmittedSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, "node_id: solo\n"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Conflict, cfg.Conflict)
	assert.Equal(t, def.Diff, cfg.Diff)
	assert.True(t, cfg.Flags[flags.VectorClocks])
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		validation bool
	}{
		{"malformed yaml", "node_id: [unterminated", false},
		{"bad log level", "logging:\n  level: loud\n", true},
		{"negative threshold", "diff_engine:\n  compression_threshold_bytes: -1\n", true},
		{"unknown strategy", "conflict_resolver:\n  resolution_strategies: [coin_flip]\n", true},
		{"bad replica", "replicas:\n  - name: x\n    kind: ftp\n", true},
		{"duplicate replica", "replicas:\n  - {name: x, kind: bolt, path: a}\n  - {name: x, kind: bolt, path: b}\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.validation, common.IsValidation(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REPLISYNC_NODE_ID", "env-node")
	t.Setenv("REPLISYNC_LOG_LEVEL", "warn")
	t.Setenv("REPLISYNC_LOG_FORMAT", "json")
	t.Setenv("REPLISYNC_FLAGS_FILE", "/etc/replisync/flags.yaml")
	t.Setenv("REPLISYNC_ENABLE_VECTOR_CLOCKS", "false")
	t.Setenv("REPLISYNC_MAX_TRACKED_CONFLICTS", "7")
	t.Setenv("REPLISYNC_COMPRESSION_ALGORITHM", "snappy")
	t.Setenv("REPLISYNC_COMPRESSION_THRESHOLD", "64")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.NodeID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/etc/replisync/flags.yaml", cfg.FlagsFile)
	assert.False(t, cfg.Conflict.EnableVectorClocks)
	assert.Equal(t, 7, cfg.Conflict.MaxTrackedConflicts)
	assert.Equal(t, compression.AlgorithmSnappy, cfg.Diff.Compression.Algorithm)
	assert.Equal(t, 64, cfg.Diff.Compression.ThresholdBytes)
}

func TestLoadFromEnv_InvalidNumber(t *testing.T) {
	t.Setenv("REPLISYNC_COMPRESSION_THRESHOLD", "lots")

	cfg := Default()
	err := LoadFromEnv(&cfg)
	require.Error(t, err)
	assert.True(t, common.IsValidation(err))
}

func TestLoadFromEnv_UnsetKeepsFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "coord-1", cfg.NodeID)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Empty(t, cfg.FlagsFile)
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("REPLISYNC_TEST_VALUE", "set")

	assert.Equal(t, "set", GetEnvOrDefault("REPLISYNC_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("REPLISYNC_TEST_UNSET", "fallback"))
}

func TestFlagProvider(t *testing.T) {
	cfg := Default()
	p, err := cfg.FlagProvider(zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, p.Enabled(flags.VectorClocks))

	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enable_vector_clocks: false\n"), 0o600))
	cfg.FlagsFile = path

	p, err = cfg.FlagProvider(zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled(flags.VectorClocks))
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging = logging.LoggerConfig{}

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
