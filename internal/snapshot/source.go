package snapshot

import (
	"context"
	"fmt"

	"github.com/FairForge/replisync/internal/common"
)

// Source kinds
const (
	KindBolt = "bolt"
	KindSQL  = "sql"
	KindS3   = "s3"
)

// SourceConfig describes one replica.
type SourceConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// bolt
	Path   string `yaml:"path,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`

	// sql
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
	Table  string `yaml:"table,omitempty"`

	// s3 (Bucket is shared with bolt)
	Prefix string   `yaml:"prefix,omitempty"`
	S3     S3Config `yaml:"s3,omitempty"`
}

func (c SourceConfig) Validate() error {
	if c.Name == "" {
		return common.ErrValidation("replicas.name", "required")
	}
	switch c.Kind {
	case KindBolt:
		if c.Path == "" {
			return common.ErrValidation("replicas."+c.Name+".path", "required for bolt")
		}
	case KindSQL:
		if c.DSN == "" {
			return common.ErrValidation("replicas."+c.Name+".dsn", "required for sql")
		}
	case KindS3:
		if c.Bucket == "" {
			return common.ErrValidation("replicas."+c.Name+".bucket", "required for s3")
		}
	default:
		return common.ErrValidation("replicas."+c.Name+".kind", fmt.Sprintf("unknown kind %q", c.Kind))
	}
	return nil
}

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg SourceConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindBolt:
		return NewBoltSource(cfg.Name, cfg.Path, cfg.Bucket)
	case KindSQL:
		driver := cfg.Driver
		if driver == "" {
			driver = DialectSQLite
		}
		return NewSQLSource(ctx, cfg.Name, driver, cfg.DSN, cfg.Table)
	default:
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", cfg.Name, err)
		}
		return NewS3Source(cfg.Name, cfg.Bucket, cfg.Prefix, client)
	}
}

// OpenAll opens every configured replica, closing the ones already opened
// if any fails.
func OpenAll(ctx context.Context, cfgs []SourceConfig) ([]Store, error) {
	stores := make([]Store, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		if seen[cfg.Name] {
			_ = CloseAll(stores)
			return nil, common.ErrValidation("replicas", fmt.Sprintf("duplicate replica name %q", cfg.Name))
		}
		seen[cfg.Name] = true

		store, err := Open(ctx, cfg)
		if err != nil {
			_ = CloseAll(stores)
			return nil, err
		}
		stores = append(stores, store)
	}
	return stores, nil
}

// CloseAll closes every store and returns the first error.
func CloseAll(stores []Store) error {
	var first error
	for _, s := range stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
