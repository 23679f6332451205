// Package chunking splits buffers into content-defined chunks so that an
// insertion only disturbs the chunks around it.
package chunking

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"

	resticchunker "github.com/restic/chunker"
)

// Algorithm names a chunking algorithm.
type Algorithm string

const (
	AlgorithmRolling Algorithm = "rolling"
	AlgorithmRabin   Algorithm = "rabin"
	AlgorithmFixed   Algorithm = "fixed"
)

// DefaultPolynomial is the irreducible polynomial used by the Rabin chunker.
// Every replica must use the same one or boundaries will not line up.
const DefaultPolynomial uint64 = 0x3DA3358B4DC173

// Chunk represents a content-defined chunk of data
type Chunk struct {
	Data   []byte // The chunk data, a sub-slice of the input
	Hash   string // SHA-256 of Data, hex encoded
	Offset int    // Offset in the input
	Size   int
	Index  int
}

// Chunker splits a buffer into chunks covering it exactly, in order.
type Chunker interface {
	Split(data []byte) ([]Chunk, error)
	Algorithm() Algorithm
}

// Config selects and sizes a chunker.
type Config struct {
	Algorithm Algorithm `yaml:"chunking_algorithm"`
	MinSize   int       `yaml:"min_size_bytes"`
	AvgSize   int       `yaml:"avg_size_bytes"`
	MaxSize   int       `yaml:"max_chunk_size_bytes"`
	Window    int       `yaml:"rolling_hash_window"`
}

// DefaultConfig returns small chunks suited to record-sized payloads.
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmRolling,
		MinSize:   64,
		AvgSize:   256,
		MaxSize:   64 * 1024,
		Window:    64,
	}
}

// Validate checks size relationships.
func (c Config) Validate() error {
	if c.MinSize <= 0 || c.AvgSize <= 0 || c.MaxSize <= 0 {
		return errors.New("chunk sizes must be positive")
	}
	if c.MinSize > c.AvgSize || c.AvgSize > c.MaxSize {
		return errors.New("chunk sizes must be: min <= avg <= max")
	}
	switch c.Algorithm {
	case AlgorithmRolling, "":
		if c.Window <= 0 || c.Window > c.MinSize {
			return fmt.Errorf("rolling hash window must be in (0, min_size], got %d", c.Window)
		}
	case AlgorithmRabin:
		if c.MinSize < 64 {
			return fmt.Errorf("rabin chunking needs min size >= 64, got %d", c.MinSize)
		}
	case AlgorithmFixed:
	default:
		return fmt.Errorf("unsupported chunking algorithm: %s", c.Algorithm)
	}
	return nil
}

// New creates a chunker from config.
func New(cfg Config) (Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Algorithm {
	case AlgorithmRabin:
		return NewRabinChunker(cfg.MinSize, cfg.AvgSize, cfg.MaxSize, DefaultPolynomial)
	case AlgorithmFixed:
		return NewFixedChunker(cfg.AvgSize)
	default:
		return NewRollingChunker(cfg.MinSize, cfg.AvgSize, cfg.MaxSize, cfg.Window)
	}
}

func newChunk(data []byte, offset, index int) Chunk {
	hash := sha256.Sum256(data)
	return Chunk{
		Data:   data,
		Hash:   hex.EncodeToString(hash[:]),
		Offset: offset,
		Size:   len(data),
		Index:  index,
	}
}

// averageBits returns log2 of avg rounded down, at least 1.
func averageBits(avg int) int {
	b := bits.Len(uint(avg)) - 1
	if b < 1 {
		b = 1
	}
	return b
}

// RollingChunker cuts where the rolling hash of the last Window bytes hits
// a target pattern, bounded by min and max chunk sizes.
type RollingChunker struct {
	minSize int
	maxSize int
	window  int
	shift   uint
}

// NewRollingChunker creates a rolling-hash chunker averaging roughly avgSize.
func NewRollingChunker(minSize, avgSize, maxSize, window int) (*RollingChunker, error) {
	cfg := Config{Algorithm: AlgorithmRolling, MinSize: minSize, AvgSize: avgSize, MaxSize: maxSize, Window: window}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RollingChunker{
		minSize: minSize,
		maxSize: maxSize,
		window:  window,
		shift:   uint(64 - averageBits(avgSize)),
	}, nil
}

// Algorithm returns the chunking algorithm name
func (c *RollingChunker) Algorithm() Algorithm {
	return AlgorithmRolling
}

// Split divides data into content-defined chunks.
func (c *RollingChunker) Split(data []byte) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	h := NewRollingHash(c.window)
	start := 0
	for start < len(data) {
		end := c.findBoundary(h, data, start)
		chunks = append(chunks, newChunk(data[start:end], start, len(chunks)))
		start = end
	}
	return chunks, nil
}

func (c *RollingChunker) findBoundary(h *RollingHash, data []byte, start int) int {
	remaining := len(data) - start
	if remaining <= c.minSize {
		return len(data)
	}
	maxEnd := start + c.maxSize
	if maxEnd > len(data) {
		maxEnd = len(data)
	}

	h.Reset()
	for i := start; i < maxEnd; i++ {
		h.Roll(data, i)
		// min >= window, so the window only covers bytes of this chunk here
		if i+1-start < c.minSize {
			continue
		}
		// Fibonacci hashing mixes the low-entropy bits before the cut test
		if (h.Sum64()*0x9E3779B97F4A7C15)>>c.shift == 0 {
			return i + 1
		}
	}
	return maxEnd
}

// RabinChunker delegates to restic's Rabin fingerprint chunker.
type RabinChunker struct {
	minSize int
	avgBits int
	maxSize int
	pol     resticchunker.Pol
}

// NewRabinChunker creates a chunker with a fixed polynomial so the same
// content always produces the same chunks on every replica.
func NewRabinChunker(minSize, avgSize, maxSize int, pol uint64) (*RabinChunker, error) {
	cfg := Config{Algorithm: AlgorithmRabin, MinSize: minSize, AvgSize: avgSize, MaxSize: maxSize}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RabinChunker{
		minSize: minSize,
		avgBits: averageBits(avgSize),
		maxSize: maxSize,
		pol:     resticchunker.Pol(pol),
	}, nil
}

// Algorithm returns the chunking algorithm name
func (c *RabinChunker) Algorithm() Algorithm {
	return AlgorithmRabin
}

// Polynomial returns the polynomial used for chunking
func (c *RabinChunker) Polynomial() uint64 {
	return uint64(c.pol)
}

// Split divides data into content-defined chunks.
func (c *RabinChunker) Split(data []byte) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}

	rc := resticchunker.NewWithBoundaries(bytes.NewReader(data), c.pol, uint(c.minSize), uint(c.maxSize))
	rc.SetAverageBits(c.avgBits)

	buf := make([]byte, c.maxSize)
	var chunks []Chunk
	offset := 0
	for {
		chunk, err := rc.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunking failed at offset %d: %w", offset, err)
		}

		// The chunker reuses buf; slice the input instead of copying.
		length := int(chunk.Length)
		chunks = append(chunks, newChunk(data[offset:offset+length], offset, len(chunks)))
		offset += length
	}
	return chunks, nil
}

// FixedChunker implements fixed-size chunking (simpler but an insertion
// shifts every later boundary)
type FixedChunker struct {
	chunkSize int
}

// NewFixedChunker creates a fixed-size chunker
func NewFixedChunker(chunkSize int) (*FixedChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &FixedChunker{chunkSize: chunkSize}, nil
}

// Algorithm returns the chunking algorithm name
func (c *FixedChunker) Algorithm() Algorithm {
	return AlgorithmFixed
}

// Split divides data into fixed-size chunks; the last may be shorter.
func (c *FixedChunker) Split(data []byte) ([]Chunk, error) {
	var chunks []Chunk
	for offset := 0; offset < len(data); offset += c.chunkSize {
		end := offset + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, newChunk(data[offset:end], offset, len(chunks)))
	}
	return chunks, nil
}

// Payloads returns the raw data of each chunk, e.g. for merkle leaves.
func Payloads(chunks []Chunk) [][]byte {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c.Data
	}
	return out
}
