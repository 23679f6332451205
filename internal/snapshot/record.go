// Package snapshot reads and writes the per-replica copy of a key. Each
// backing store (bbolt, SQL, S3) is exposed as a Source so the coordinator
// can compare replicas without caring where the bytes live.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/FairForge/replisync/internal/conflict"
	"github.com/FairForge/replisync/internal/vclock"
	"github.com/FairForge/replisync/internal/wire"
)

// Source is a replica that can report its current version of a key.
type Source interface {
	Name() string
	// Snapshot returns a NotFoundError when the key is absent.
	Snapshot(ctx context.Context, key string) (conflict.ConflictVersion, error)
}

// Store is a Source that also accepts writes.
type Store interface {
	Source
	Put(ctx context.Context, key string, rec Record) error
	Close() error
}

// Record is the persisted form of one replica's copy of a key.
type Record struct {
	VersionID    string
	Clock        vclock.VectorClock
	LastModified time.Time
	Content      []byte
}

// Version converts the record into a conflict version attributed to source.
func (r Record) Version(source string) conflict.ConflictVersion {
	clock := r.Clock
	if clock == nil {
		clock = vclock.New()
	}
	return conflict.ConflictVersion{
		VersionID:    r.VersionID,
		VectorClock:  clock.Copy(),
		ContentHash:  ContentHash(r.Content),
		Size:         int64(len(r.Content)),
		Source:       source,
		LastModified: r.LastModified,
		Content:      r.Content,
	}
}

// ContentHash is the sha256 hex digest used for version comparison.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

const (
	fieldVersionID    protowire.Number = 1
	fieldClock        protowire.Number = 2
	fieldLastModified protowire.Number = 3
	fieldContent      protowire.Number = 4
)

// marshalRecord encodes a record for key-value stores.
func marshalRecord(r Record) []byte {
	var b []byte
	b = wire.AppendString(b, fieldVersionID, r.VersionID)
	b = wire.AppendBytes(b, fieldClock, r.Clock.Bytes())
	if !r.LastModified.IsZero() {
		b = wire.AppendVarint(b, fieldLastModified, protowire.EncodeZigZag(r.LastModified.UnixNano()))
	}
	b = wire.AppendBytes(b, fieldContent, r.Content)
	return b
}

func unmarshalRecord(data []byte) (Record, error) {
	var r Record
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case fieldVersionID:
			r.VersionID = string(f.Bytes)
		case fieldClock:
			clock, err := vclock.Parse(f.Bytes)
			if err != nil {
				return err
			}
			r.Clock = clock
		case fieldLastModified:
			r.LastModified = time.Unix(0, protowire.DecodeZigZag(f.Varint)).UTC()
		case fieldContent:
			r.Content = append([]byte{}, f.Bytes...)
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if r.Clock == nil {
		r.Clock = vclock.New()
	}
	if r.Content == nil {
		r.Content = []byte{}
	}
	return r, nil
}
