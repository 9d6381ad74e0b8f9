package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"handoff/internal/server/config"
)

// MinioStore keeps blobs in a managed bucket. Objects are named by a
// generated id, which doubles as the storage reference.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	maxSize int64
}

// NewMinioStore connects to MinIO and creates the bucket if it is missing.
func NewMinioStore(ctx context.Context, cfg config.MinioConfig, maxSize int64) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("created bucket", "bucket", cfg.Bucket)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, maxSize: maxSize}, nil
}

func (m *MinioStore) Backend() string { return "minio" }

func (m *MinioStore) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *MinioStore) Put(ctx context.Context, key BlobKey, r io.Reader, contentType string) (string, int64, error) {
	objectName := uuid.NewString()
	limited := newSizeLimitReader(r, m.maxSize)

	info, err := m.client.PutObject(ctx, m.bucket, objectName, limited, -1, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"session-id":        key.SessionID,
			"file-id":           key.FileID,
			"original-filename": key.Filename,
		},
	})
	if err != nil {
		if limited.exceeded {
			m.client.RemoveObject(context.Background(), m.bucket, objectName, minio.RemoveObjectOptions{})
			return "", 0, ErrBlobTooLarge
		}
		return "", 0, fmt.Errorf("failed to upload object: %w", err)
	}
	return objectName, info.Size, nil
}

// Open stats the object first so a missing reference fails here rather than
// on the first read.
func (m *MinioStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if _, err := m.client.StatObject(ctx, m.bucket, ref, minio.StatObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", ref, err)
	}

	obj, err := m.client.GetObject(ctx, m.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", ref, err)
	}
	return obj, nil
}

func (m *MinioStore) Delete(ctx context.Context, ref string) error {
	err := m.client.RemoveObject(ctx, m.bucket, ref, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", ref, err)
	}
	return nil
}

func (m *MinioStore) PresignGet(ctx context.Context, ref, filename string, ttl time.Duration) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}

	u, err := m.client.PresignedGetObject(ctx, m.bucket, ref, ttl, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", ref, err)
	}
	return u.String(), nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
