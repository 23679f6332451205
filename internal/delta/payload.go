// Package delta turns diffs into self-checking sync payloads and applies
// them to a base buffer.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/compression"
	"github.com/FairForge/replisync/internal/wire"
)

// Compression is the body of a payload: Enabled or Disabled.
type Compression interface {
	// Size is the number of body bytes carried on the wire.
	Size() int
	isCompression()
}

// Enabled carries a compressed operation stream.
type Enabled struct {
	Algorithm    compression.Algorithm
	OriginalSize int
	Data         []byte
}

// Disabled carries the operation stream as is.
type Disabled struct {
	Data []byte
}

func (Enabled) isCompression()  {}
func (Disabled) isCompression() {}

func (c Enabled) Size() int  { return len(c.Data) }
func (c Disabled) Size() int { return len(c.Data) }

// SyncPayload is the unit shipped to a replica. It is immutable once built
// and applying it is a pure function of the payload and the base.
type SyncPayload struct {
	PayloadID   string
	Compression Compression
	// Checksum is the hex SHA-256 of the uncompressed operation stream.
	Checksum  string
	CreatedAt time.Time
}

// Compressed reports whether the body is compressed.
func (p *SyncPayload) Compressed() bool {
	_, ok := p.Compression.(Enabled)
	return ok
}

func checksum(stream []byte) string {
	sum := sha256.Sum256(stream)
	return hex.EncodeToString(sum[:])
}

// Wire layout:
//
//	message SyncPayload {
//	  string payload_id = 1;
//	  oneof compression { Enabled enabled = 2; Disabled disabled = 3; }
//	  string checksum = 4;
//	  int64 created_at_unix_nano = 5;
//	}
//	message Enabled  { string algorithm = 1; uint64 original_size = 2; bytes data = 3; }
//	message Disabled { bytes data = 1; }
const (
	fieldPayloadID protowire.Number = 1
	fieldEnabled   protowire.Number = 2
	fieldDisabled  protowire.Number = 3
	fieldChecksum  protowire.Number = 4
	fieldCreatedAt protowire.Number = 5
)

// MarshalPayload encodes p for transport.
func MarshalPayload(p *SyncPayload) ([]byte, error) {
	if p == nil {
		return nil, common.ErrValidation("payload", "nil payload")
	}

	var b []byte
	b = wire.AppendString(b, fieldPayloadID, p.PayloadID)
	switch c := p.Compression.(type) {
	case Enabled:
		if c.OriginalSize < 0 {
			return nil, common.ErrValidation("payload.original_size", "must not be negative")
		}
		var body []byte
		body = wire.AppendString(body, 1, string(c.Algorithm))
		body = wire.AppendVarint(body, 2, uint64(c.OriginalSize))
		body = wire.AppendBytes(body, 3, c.Data)
		b = wire.AppendBytes(b, fieldEnabled, body)
	case Disabled:
		b = wire.AppendBytes(b, fieldDisabled, wire.AppendBytes(nil, 1, c.Data))
	default:
		return nil, common.ErrValidation("payload.compression", fmt.Sprintf("unsupported variant %T", p.Compression))
	}
	b = wire.AppendString(b, fieldChecksum, p.Checksum)
	if !p.CreatedAt.IsZero() {
		b = wire.AppendVarint(b, fieldCreatedAt, protowire.EncodeZigZag(p.CreatedAt.UnixNano()))
	}
	return b, nil
}

// UnmarshalPayload decodes a payload written by MarshalPayload.
func UnmarshalPayload(data []byte) (*SyncPayload, error) {
	p := &SyncPayload{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch {
		case f.Num == fieldPayloadID && f.Type == protowire.BytesType:
			p.PayloadID = string(f.Bytes)
		case f.Num == fieldChecksum && f.Type == protowire.BytesType:
			p.Checksum = string(f.Bytes)
		case f.Num == fieldCreatedAt && f.Type == protowire.VarintType:
			p.CreatedAt = time.Unix(0, protowire.DecodeZigZag(f.Varint)).UTC()
		case f.Num == fieldEnabled && f.Type == protowire.BytesType:
			c, err := decodeEnabled(f.Bytes)
			if err != nil {
				return err
			}
			p.Compression = c
		case f.Num == fieldDisabled && f.Type == protowire.BytesType:
			c := Disabled{Data: []byte{}}
			err := wire.Walk(f.Bytes, func(f wire.Field) error {
				if f.Num == 1 && f.Type == protowire.BytesType {
					c.Data = append([]byte{}, f.Bytes...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Compression = c
		}
		return nil
	})
	if err != nil {
		return nil, common.WrapData("unmarshal_payload", "malformed payload", err)
	}
	if p.Compression == nil {
		return nil, common.ErrData("unmarshal_payload", "payload has no body")
	}
	return p, nil
}

func decodeEnabled(data []byte) (Enabled, error) {
	c := Enabled{Data: []byte{}}
	err := wire.Walk(data, func(f wire.Field) error {
		switch {
		case f.Num == 1 && f.Type == protowire.BytesType:
			c.Algorithm = compression.Algorithm(f.Bytes)
		case f.Num == 2 && f.Type == protowire.VarintType:
			n, err := wire.Int(f.Varint)
			if err != nil {
				return err
			}
			c.OriginalSize = n
		case f.Num == 3 && f.Type == protowire.BytesType:
			c.Data = append([]byte{}, f.Bytes...)
		}
		return nil
	})
	return c, err
}
