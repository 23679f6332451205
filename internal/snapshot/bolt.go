package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/conflict"
)

const defaultBucket = "records"

// BoltSource is a key-value replica backed by a bbolt file.
type BoltSource struct {
	name   string
	bucket []byte
	db     *bbolt.DB
}

// NewBoltSource opens (or creates) the bbolt file at path.
func NewBoltSource(name, path, bucket string) (*BoltSource, error) {
	if path == "" {
		return nil, common.ErrValidation("path", "bolt source requires a path")
	}
	if bucket == "" {
		bucket = defaultBucket
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return &BoltSource{name: name, bucket: []byte(bucket), db: db}, nil
}

func (s *BoltSource) Name() string { return s.name }

func (s *BoltSource) Snapshot(ctx context.Context, key string) (conflict.ConflictVersion, error) {
	if err := ctx.Err(); err != nil {
		return conflict.ConflictVersion{}, err
	}

	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(key))
		if data == nil {
			return common.ErrNotFound(key, s.name)
		}
		// bbolt values are only valid inside the transaction
		var err error
		rec, err = unmarshalRecord(data)
		return err
	})
	if err != nil {
		return conflict.ConflictVersion{}, err
	}
	return rec.Version(s.name), nil
}

func (s *BoltSource) Put(ctx context.Context, key string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(s.bucket).Put([]byte(key), marshalRecord(rec)); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		return nil
	})
}

func (s *BoltSource) Close() error {
	return s.db.Close()
}
