package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	conf "github.com/trunov/mp3hub/internal/config"
)

// S3 is a Store on one bucket of an S3 compatible service (AWS, R2, MinIO).
type S3 struct {
	Bucket string
	Prefix string

	MaxRetries     int
	RetryBaseDelay time.Duration

	S3Client *s3.Client
	Uploader *manager.Uploader

	logger *zap.Logger
}

// NewS3Client builds the client shared by the video and mp3 stores.
func NewS3Client(ctx context.Context, cfg conf.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.ResolvedEndpoint()
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3(client *s3.Client, bucket, prefix string, maxRetries int, retryBaseDelay time.Duration, logger *zap.Logger) *S3 {
	return &S3{
		Bucket:         bucket,
		Prefix:         prefix,
		MaxRetries:     maxRetries,
		RetryBaseDelay: retryBaseDelay,
		S3Client:       client,
		Uploader:       manager.NewUploader(client),
		logger:         logger.With(zap.String("bucket", bucket)),
	}
}

func (s *S3) key(id string) string { return s.Prefix + id }

// Put uploads synchronously, retrying transient failures with backoff.
func (s *S3) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	id := NewID()
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var err error
	for attempt := 1; ; attempt++ {
		_, err = s.Uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.Bucket),
			Key:         aws.String(s.key(id)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err == nil {
			return id, nil
		}
		if attempt > s.MaxRetries || ctx.Err() != nil {
			break
		}

		backoff := s.backoffDelay(attempt)
		s.logger.Warn("upload failed, retrying",
			zap.String("blob_id", id), zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	return "", fmt.Errorf("%w: upload %q: %v", ErrWriteFailed, s.key(id), err)
}

func (s *S3) backoffDelay(attempt int) time.Duration {
	delay := s.RetryBaseDelay << (attempt - 1)
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
}

func (s *S3) Get(ctx context.Context, id string) ([]byte, error) {
	out, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download %q: %w", s.key(id), err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read body for %q: %w", s.key(id), err)
	}
	return buf.Bytes(), nil
}

// Delete relies on DeleteObject succeeding for absent keys.
func (s *S3) Delete(ctx context.Context, id string) error {
	_, err := s.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %q: %w", s.key(id), err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
