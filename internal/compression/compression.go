// Package compression conditionally compresses sync payload bodies.
package compression

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algorithm names a codec.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmS2     Algorithm = "s2"
	AlgorithmSnappy Algorithm = "snappy"
)

// maxDecodedSize bounds decoder memory for untrusted payloads.
const maxDecodedSize = 256 * 1024 * 1024

// Codec compresses and decompresses whole buffers.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// ZstdCodec implements Codec using zstd
type ZstdCodec struct {
	level       int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	encoderOnce sync.Once
	decoderOnce sync.Once
	encoderErr  error
	decoderErr  error
}

// NewZstdCodec creates a zstd codec
func NewZstdCodec(level int) (*ZstdCodec, error) {
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
	}
	return &ZstdCodec{level: level}, nil
}

func (c *ZstdCodec) getEncoder() (*zstd.Encoder, error) {
	c.encoderOnce.Do(func() {
		c.encoder, c.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
			zstd.WithEncoderConcurrency(1),
		)
	})
	return c.encoder, c.encoderErr
}

func (c *ZstdCodec) getDecoder() (*zstd.Decoder, error) {
	c.decoderOnce.Do(func() {
		c.decoder, c.decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(maxDecodedSize),
		)
	})
	return c.decoder, c.decoderErr
}

func (c *ZstdCodec) Compress(data []byte) ([]byte, error) {
	encoder, err := c.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to get encoder: %w", err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *ZstdCodec) Decompress(data []byte) ([]byte, error) {
	decoder, err := c.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to get decoder: %w", err)
	}
	return decoder.DecodeAll(data, nil)
}

func (c *ZstdCodec) Algorithm() Algorithm { return AlgorithmZstd }

// S2Codec implements Codec using klauspost's S2 block format.
type S2Codec struct{}

func (S2Codec) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (S2Codec) Decompress(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedSize {
		return nil, fmt.Errorf("s2 block too large: %d bytes", n)
	}
	return s2.Decode(nil, data)
}

func (S2Codec) Algorithm() Algorithm { return AlgorithmS2 }

// SnappyCodec implements Codec using the snappy block format.
type SnappyCodec struct{}

func (SnappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCodec) Decompress(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedSize {
		return nil, fmt.Errorf("snappy block too large: %d bytes", n)
	}
	return snappy.Decode(nil, data)
}

func (SnappyCodec) Algorithm() Algorithm { return AlgorithmSnappy }

// NoopCodec is a pass-through codec
type NoopCodec struct{}

func (NoopCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoopCodec) Algorithm() Algorithm                   { return AlgorithmNone }

// NewCodec creates a codec by name. level only applies to zstd.
func NewCodec(algorithm Algorithm, level int) (Codec, error) {
	switch algorithm {
	case AlgorithmZstd, "":
		if level == 0 {
			level = 3
		}
		return NewZstdCodec(level)
	case AlgorithmS2:
		return S2Codec{}, nil
	case AlgorithmSnappy:
		return SnappyCodec{}, nil
	case AlgorithmNone:
		return NoopCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}
