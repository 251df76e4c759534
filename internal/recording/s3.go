package recording

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shiftline/shiftline/internal/config"
)

// ObjectStore is the durable home for recording assets.
type ObjectStore interface {
	// Put uploads an object. Returning nil means the object is durably stored.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// PresignGet mints a time-limited download URL for an object.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// S3Store stores recordings in an S3-compatible object store. Objects are
// written with server-side encryption and infrequent-access storage, since
// recordings are write-once and rarely fetched.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	logger        *slog.Logger
}

// NewS3Store creates the store from config. An endpoint override switches
// to path-style addressing for S3-compatible services.
func NewS3Store(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("recording: aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.S3Bucket,
		logger:        logger.With("subsystem", "s3-store"),
	}, nil
}

// HeadBucket checks that the bucket exists and the credentials are valid.
// Run at startup so a misconfigured store fails fast, not on the first call.
func (s *S3Store) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	return err
}

// Put implements ObjectStore.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               &s.bucket,
		Key:                  &key,
		Body:                 bytes.NewReader(data),
		ContentType:          &contentType,
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		StorageClass:         s3types.StorageClassStandardIa,
	})
	if err != nil {
		return fmt.Errorf("recording: s3 put %s: %w", key, err)
	}
	return nil
}

// PresignGet implements ObjectStore.
func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("recording: presigning %s: %w", key, err)
	}
	return req.URL, nil
}
