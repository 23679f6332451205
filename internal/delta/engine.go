package delta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/replisync/internal/chunking"
	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/compression"
	"github.com/FairForge/replisync/internal/diff"
	"github.com/FairForge/replisync/internal/health"
	"github.com/FairForge/replisync/internal/merkle"
	"github.com/FairForge/replisync/internal/metrics"
)

// Config configures the diff engine.
type Config struct {
	Compression       compression.Config   `yaml:",inline"`
	EnableMerkleTrees bool                 `yaml:"enable_merkle_trees"`
	MerkleHash        merkle.HashAlgorithm `yaml:"merkle_hash"`
	Chunking          chunking.Config      `yaml:",inline"`
}

// DefaultConfig returns compression above 1 KiB, merkle short-circuiting
// and rolling-hash chunking.
func DefaultConfig() Config {
	return Config{
		Compression:       compression.DefaultConfig(),
		EnableMerkleTrees: true,
		MerkleHash:        merkle.SHA256,
		Chunking:          chunking.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return common.ErrValidation("chunking", err.Error())
	}
	if _, err := merkle.New(c.MerkleHash); err != nil {
		return common.ErrValidation("merkle_hash", err.Error())
	}
	if c.Compression.ThresholdBytes < 0 {
		return common.ErrValidation("compression_threshold_bytes", "must not be negative")
	}
	return nil
}

// DiffMetrics summarizes engine activity. Averages are running means over
// every diff created.
type DiffMetrics struct {
	TotalDiffs          uint64        `json:"total_diffs"`
	TotalBytesProcessed uint64        `json:"total_bytes_processed"`
	TotalLiteralBytes   uint64        `json:"total_literal_bytes"`
	AvgCompressionRatio float64       `json:"avg_compression_ratio"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	LastOperationTime   time.Time     `json:"last_operation_time"`
	MerkleShortCircuits uint64        `json:"merkle_short_circuits"`
	PayloadsApplied     uint64        `json:"payloads_applied"`
	ChecksumFailures    uint64        `json:"checksum_failures"`
}

// Engine is the entry point for differential synchronization.
type Engine struct {
	config     Config
	chunker    chunking.Chunker
	calculator *diff.Calculator
	sync       *DeltaSync
	logger     *zap.Logger
	recorder   *metrics.Recorder
	health     *health.Tracker
	now        func() time.Time

	mu      sync.RWMutex
	metrics DiffMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder sets the Prometheus recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine from config.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chunker, err := chunking.New(cfg.Chunking)
	if err != nil {
		return nil, common.ErrValidation("chunking", err.Error())
	}
	calculator, err := diff.NewCalculator(chunker)
	if err != nil {
		return nil, err
	}
	compressor, err := compression.NewEngine(cfg.Compression)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:     cfg,
		chunker:    chunker,
		calculator: calculator,
		sync:       NewDeltaSync(compressor),
		logger:     zap.NewNop(),
		health:     health.NewTracker(100 * time.Millisecond),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sync.now = e.now
	return e, nil
}

// Fingerprint returns the merkle root over the content-defined chunks of
// data. Equal fingerprints mean equal content.
func (e *Engine) Fingerprint(data []byte) (string, error) {
	tree, err := e.Tree(data)
	if err != nil {
		return "", err
	}
	root, _ := tree.Root()
	return root, nil
}

// Tree builds the merkle tree over the chunks of data, for callers that
// want to localize differences with DiffLeaves.
func (e *Engine) Tree(data []byte) (*merkle.Tree, error) {
	chunks, err := e.chunker.Split(data)
	if err != nil {
		return nil, fmt.Errorf("chunk for fingerprint: %w", err)
	}
	tree, err := merkle.New(e.config.MerkleHash)
	if err != nil {
		return nil, err
	}
	tree.BuildFromChunks(chunking.Payloads(chunks))
	return tree, nil
}

// CalculateDiff computes the raw diff between old and new.
func (e *Engine) CalculateDiff(ctx context.Context, old, new []byte) (*diff.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.config.EnableMerkleTrees {
		same, err := e.sameContent(old, new)
		if err != nil {
			return nil, err
		}
		if same {
			e.recordShortCircuit()
			return identity(new), nil
		}
	}
	return e.calculator.CalculateDiff(old, new)
}

// CreateDiffPayload computes the diff from old to new and packs it into a
// SyncPayload. With merkle trees enabled, matching fingerprints skip the
// diff and produce a single Copy.
func (e *Engine) CreateDiffPayload(ctx context.Context, old, new []byte) (*SyncPayload, error) {
	start := e.now()

	result, err := e.CalculateDiff(ctx, old, new)
	if err != nil {
		e.health.RecordError(e.now().Sub(start), err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := e.sync.CreateSyncPayload(result)
	if err != nil {
		e.health.RecordError(e.now().Sub(start), err)
		return nil, err
	}

	duration := e.now().Sub(start)
	e.updateMetrics(result, len(new), duration)
	e.health.RecordSuccess(duration)
	e.recorder.RecordDiff(result.DiffSize, payload.Compression.Size(), payload.Compressed(), duration)

	e.logger.Debug("diff payload created",
		zap.String("payload_id", payload.PayloadID),
		zap.Int("operations", len(result.Operations)),
		zap.Int64("literal_bytes", result.DiffSize),
		zap.Int("payload_bytes", payload.Compression.Size()),
		zap.Bool("compressed", payload.Compressed()),
		zap.Duration("duration", duration))

	return payload, nil
}

// ApplyDiffPayload replays payload against base. It is safe to call more
// than once with the same arguments.
func (e *Engine) ApplyDiffPayload(ctx context.Context, payload *SyncPayload, base []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := e.now()

	out, err := e.sync.ApplySyncPayload(payload, base)
	duration := e.now().Sub(start)
	if err != nil {
		result := metrics.ApplyError
		if IsChecksumMismatch(err) {
			result = metrics.ApplyChecksumMismatch
		}
		e.mu.Lock()
		if result == metrics.ApplyChecksumMismatch {
			e.metrics.ChecksumFailures++
		}
		e.mu.Unlock()

		e.recorder.RecordApply(result)
		e.health.RecordError(duration, err)
		e.logger.Warn("failed to apply diff payload",
			zap.String("payload_id", payloadID(payload)),
			zap.String("result", result),
			zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	e.metrics.PayloadsApplied++
	e.metrics.LastOperationTime = e.now()
	e.mu.Unlock()

	e.recorder.RecordApply(metrics.ApplyOK)
	e.health.RecordSuccess(duration)
	return out, nil
}

// GetMetrics returns a snapshot of the engine metrics.
func (e *Engine) GetMetrics() DiffMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// HealthCheck returns the engine's health.
func (e *Engine) HealthCheck() health.ComponentHealth {
	return e.health.Check()
}

func (e *Engine) sameContent(old, new []byte) (bool, error) {
	if len(old) != len(new) {
		return false, nil
	}
	a, err := e.Fingerprint(old)
	if err != nil {
		return false, err
	}
	b, err := e.Fingerprint(new)
	if err != nil {
		return false, err
	}
	return a == b, nil
}

func identity(data []byte) *diff.Result {
	res := &diff.Result{CompressionRatio: 1, TargetSize: len(data), Type: diff.DetectType(data)}
	if len(data) > 0 {
		res.Operations = []diff.Operation{diff.Copy{SrcOffset: 0, DstOffset: 0, Length: len(data)}}
	}
	return res
}

func (e *Engine) recordShortCircuit() {
	e.mu.Lock()
	e.metrics.MerkleShortCircuits++
	e.mu.Unlock()
	e.recorder.RecordShortCircuit()
}

func (e *Engine) updateMetrics(result *diff.Result, processed int, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.metrics
	m.TotalDiffs++
	m.TotalBytesProcessed += uint64(processed)
	m.TotalLiteralBytes += uint64(result.DiffSize)

	n := float64(m.TotalDiffs)
	m.AvgCompressionRatio += (result.CompressionRatio - m.AvgCompressionRatio) / n
	m.AvgProcessingTime += time.Duration((float64(duration) - float64(m.AvgProcessingTime)) / n)
	m.LastOperationTime = e.now()
}

func payloadID(p *SyncPayload) string {
	if p == nil {
		return ""
	}
	return p.PayloadID
}
