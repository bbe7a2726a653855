package outpost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3SnapshotConfig configures the S3 snapshot backend.
type S3SnapshotConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) instead of setting these directly.
	// DO NOT commit credentials to source control.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing

	// MaxRetries is the max retry attempts for S3 operations (default: 3).
	MaxRetries int
}

// S3SnapshotBackend stores snapshots in S3 or an S3-compatible object store.
type S3SnapshotBackend struct {
	client  *s3.Client
	config  S3SnapshotConfig
	retryer *Retryer
}

// NewS3SnapshotBackend creates an S3 snapshot backend.
func NewS3SnapshotBackend(cfg S3SnapshotConfig) (*S3SnapshotBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotBackend{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           func(err error) bool { return !errors.Is(err, os.ErrNotExist) },
		}),
	}, nil
}

func (b *S3SnapshotBackend) Read(ctx context.Context, key string) ([]byte, error) {
	fullKey := b.config.Prefix + key
	var data []byte
	err := b.retryer.Do(ctx, func() error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if IsNotFound(err) {
			return fmt.Errorf("snapshot %q: %w", key, os.ErrNotExist)
		}
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	return data, err
}

func (b *S3SnapshotBackend) Write(ctx context.Context, key string, data []byte) error {
	fullKey := b.config.Prefix + key
	return b.retryer.Do(ctx, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(fullKey),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
}

func (b *S3SnapshotBackend) Delete(ctx context.Context, key string) error {
	fullKey := b.config.Prefix + key
	return b.retryer.Do(ctx, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
}

func (b *S3SnapshotBackend) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := b.config.Prefix + prefix
	var keys []string

	var token *string
	for {
		var page *s3.ListObjectsV2Output
		err := b.retryer.Do(ctx, func() error {
			var err error
			page, err = b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(b.config.Bucket),
				Prefix:            aws.String(fullPrefix),
				ContinuationToken: token,
			})
			if err != nil {
				return fmt.Errorf("S3 list objects failed: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, trimPrefix(aws.ToString(obj.Key), b.config.Prefix))
		}
		if page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	return keys, nil
}

func (b *S3SnapshotBackend) Close() error { return nil }

// IsNotFound reports whether an S3 error means the object does not exist.
func IsNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	return errors.As(err, &noKey)
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}
