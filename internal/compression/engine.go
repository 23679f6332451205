package compression

import (
	"fmt"
	"sync"

	"github.com/FairForge/replisync/internal/common"
)

// Config controls when and how payloads are compressed.
type Config struct {
	Enabled        bool      `yaml:"enable_compression"`
	ThresholdBytes int       `yaml:"compression_threshold_bytes"`
	Algorithm      Algorithm `yaml:"compression_algorithm"`
	Level          int       `yaml:"compression_level"`
}

// DefaultConfig compresses payloads of 1 KiB and more with zstd level 3.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		ThresholdBytes: 1024,
		Algorithm:      AlgorithmZstd,
		Level:          3,
	}
}

// Engine gates compression on size and decodes any supported codec.
type Engine struct {
	enabled   bool
	threshold int
	codec     Codec

	mu       sync.Mutex
	decoders map[Algorithm]Codec
}

// NewEngine creates an engine from config.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ThresholdBytes < 0 {
		return nil, common.ErrValidation("compression_threshold_bytes", "must not be negative")
	}
	codec, err := NewCodec(cfg.Algorithm, cfg.Level)
	if err != nil {
		return nil, common.ErrValidation("compression_algorithm", err.Error())
	}
	return &Engine{
		enabled:   cfg.Enabled,
		threshold: cfg.ThresholdBytes,
		codec:     codec,
		decoders:  map[Algorithm]Codec{codec.Algorithm(): codec},
	}, nil
}

// ShouldCompress reports whether a body of n bytes is compressed.
func (e *Engine) ShouldCompress(n int) bool {
	return e.enabled && n >= e.threshold
}

// Algorithm returns the codec used for compression.
func (e *Engine) Algorithm() Algorithm {
	return e.codec.Algorithm()
}

// Compress compresses data with the configured codec.
func (e *Engine) Compress(data []byte) ([]byte, error) {
	out, err := e.codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress with %s: %w", e.codec.Algorithm(), err)
	}
	return out, nil
}

// Decompress decodes data produced by algorithm and checks that the result
// has exactly originalSize bytes.
func (e *Engine) Decompress(algorithm Algorithm, data []byte, originalSize int) ([]byte, error) {
	codec, err := e.decoder(algorithm)
	if err != nil {
		return nil, err
	}
	out, err := codec.Decompress(data)
	if err != nil {
		return nil, common.WrapData("decompress", string(algorithm), err)
	}
	if len(out) != originalSize {
		return nil, common.ErrData("decompress",
			fmt.Sprintf("expected %d bytes, got %d", originalSize, len(out)))
	}
	return out, nil
}

func (e *Engine) decoder(algorithm Algorithm) (Codec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.decoders[algorithm]; ok {
		return c, nil
	}
	c, err := NewCodec(algorithm, 0)
	if err != nil {
		return nil, common.WrapData("decompress", "unknown codec", err)
	}
	e.decoders[algorithm] = c
	return c, nil
}
