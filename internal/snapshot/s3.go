package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/FairForge/replisync/internal/common"
	"github.com/FairForge/replisync/internal/conflict"
	"github.com/FairForge/replisync/internal/vclock"
)

// Object metadata keys
const (
	metaVersionID    = "version-id"
	metaVectorClock  = "vector-clock"
	metaLastModified = "last-modified"
)

// S3Config configures the client for an S3-compatible endpoint.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client. Static credentials are used when both keys
// are set, otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Source is a blob replica. Content is the object body and the version
// details travel as user metadata.
type S3Source struct {
	name   string
	bucket string
	prefix string
	client S3API
}

func NewS3Source(name, bucket, prefix string, client S3API) (*S3Source, error) {
	if bucket == "" {
		return nil, common.ErrValidation("bucket", "s3 source requires a bucket")
	}
	if client == nil {
		return nil, common.ErrValidation("client", "s3 source requires a client")
	}
	return &S3Source{name: name, bucket: bucket, prefix: prefix, client: client}, nil
}

func (s *S3Source) Name() string { return s.name }

func (s *S3Source) objectKey(key string) string {
	return s.prefix + key
}

func (s *S3Source) Snapshot(ctx context.Context, key string) (conflict.ConflictVersion, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return conflict.ConflictVersion{}, common.ErrNotFound(key, s.name)
		}
		return conflict.ConflictVersion{}, fmt.Errorf("get object %s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return conflict.ConflictVersion{}, fmt.Errorf("read object %s/%s: %w", s.bucket, s.objectKey(key), err)
	}

	rec := Record{VersionID: out.Metadata[metaVersionID], Content: content}
	rec.Clock, err = vclock.Parse([]byte(out.Metadata[metaVectorClock]))
	if err != nil {
		return conflict.ConflictVersion{}, common.WrapData("snapshot", "corrupt vector clock for "+key, err)
	}

	if raw, ok := out.Metadata[metaLastModified]; ok {
		rec.LastModified, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return conflict.ConflictVersion{}, common.WrapData("snapshot", "corrupt last-modified for "+key, err)
		}
	} else if out.LastModified != nil {
		rec.LastModified = out.LastModified.UTC()
	}

	return rec.Version(s.name), nil
}

func (s *S3Source) Put(ctx context.Context, key string, rec Record) error {
	meta := map[string]string{
		metaVersionID:   rec.VersionID,
		metaVectorClock: string(rec.Clock.Bytes()),
	}
	if !rec.LastModified.IsZero() {
		meta[metaLastModified] = rec.LastModified.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(rec.Content),
		ContentLength: aws.Int64(int64(len(rec.Content))),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *S3Source) Close() error { return nil }

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
