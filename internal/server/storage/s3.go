package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"handoff/internal/server/config"
)

// S3Store stores blobs in an S3-compatible bucket under
// `{sessionId}/{fileId}-{filename}` keys.
type S3Store struct {
	bucket  string
	maxSize int64
	s3      *s3.Client
	presign *s3.PresignClient
}

// NewS3Store builds an S3 client from cfg. A custom endpoint switches the
// client to path-style addressing for S3-compatible servers.
func NewS3Store(ctx context.Context, cfg config.S3Config, maxSize int64) (*S3Store, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		bucket:  cfg.Bucket,
		maxSize: maxSize,
		s3:      client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func (s *S3Store) Backend() string { return "s3" }

func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put spools r to a temp file first. PutObject needs a seekable body with a
// known length to sign the payload.
func (s *S3Store) Put(ctx context.Context, key BlobKey, r io.Reader, contentType string) (string, int64, error) {
	tmp, err := os.CreateTemp("", "handoff-upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: newSizeLimitReader(r, s.maxSize)})
	if err != nil {
		if errors.Is(err, ErrBlobTooLarge) {
			return "", 0, ErrBlobTooLarge
		}
		return "", 0, fmt.Errorf("failed to spool upload: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	objectKey := key.ObjectKey()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.s3.PutObject(ctx, input); err != nil {
		return "", 0, fmt.Errorf("failed to put object %s: %w", objectKey, err)
	}
	return objectKey, size, nil
}

func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", ref, err)
	}
	return out.Body, nil
}

// Delete relies on DeleteObject succeeding for absent keys.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", ref, err)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, ref, filename string, ttl time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(
			mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}

	presigned, err := s.presign.PresignGetObject(ctx, input, func(po *s3.PresignOptions) {
		if ttl > 0 {
			po.Expires = ttl
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", ref, err)
	}
	return presigned.URL, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
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
