package delta

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/compression"
	"github.com/FairForge/replisync/internal/diff"
)

// DeltaSync packs diff results into payloads and replays payloads.
type DeltaSync struct {
	compressor *compression.Engine
	now        func() time.Time
}

// NewDeltaSync creates a DeltaSync using compressor for payload bodies.
func NewDeltaSync(compressor *compression.Engine) *DeltaSync {
	return &DeltaSync{compressor: compressor, now: time.Now}
}

// CreateSyncPayload serializes the operations of result, compresses the
// stream when the engine says so, and stamps a checksum over the
// uncompressed stream.
func (d *DeltaSync) CreateSyncPayload(result *diff.Result) (*SyncPayload, error) {
	if result == nil {
		return nil, common.ErrValidation("diff_result", "nil result")
	}

	stream, err := diff.EncodeOperations(result.Operations)
	if err != nil {
		return nil, err
	}

	var body Compression = Disabled{Data: stream}
	if d.compressor.ShouldCompress(len(stream)) {
		compressed, err := d.compressor.Compress(stream)
		if err != nil {
			return nil, err
		}
		body = Enabled{
			Algorithm:    d.compressor.Algorithm(),
			OriginalSize: len(stream),
			Data:         compressed,
		}
	}

	return &SyncPayload{
		PayloadID:   uuid.New().String(),
		Compression: body,
		Checksum:    checksum(stream),
		CreatedAt:   d.now().UTC(),
	}, nil
}

// ApplySyncPayload decompresses, verifies, decodes and replays payload
// against base. A checksum mismatch is a DataError wrapping
// common.ErrChecksumMismatch; the caller should fall back to a full copy.
func (d *DeltaSync) ApplySyncPayload(payload *SyncPayload, base []byte) ([]byte, error) {
	if payload == nil {
		return nil, common.ErrValidation("payload", "nil payload")
	}

	var stream []byte
	switch c := payload.Compression.(type) {
	case Enabled:
		out, err := d.compressor.Decompress(c.Algorithm, c.Data, c.OriginalSize)
		if err != nil {
			return nil, err
		}
		stream = out
	case Disabled:
		stream = c.Data
	default:
		return nil, common.ErrData("apply_payload", "payload has no body")
	}

	if got := checksum(stream); got != payload.Checksum {
		return nil, common.WrapData("apply_payload", "payload "+payload.PayloadID, common.ErrChecksumMismatch)
	}

	ops, err := diff.DecodeOperations(stream)
	if err != nil {
		return nil, err
	}
	return diff.Apply(base, ops)
}

// IsChecksumMismatch reports whether err came from a corrupted payload.
func IsChecksumMismatch(err error) bool {
	return errors.Is(err, common.ErrChecksumMismatch)
}
