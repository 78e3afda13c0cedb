package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/config"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

const maxAttempts = 3

type minioStorage struct {
	client *minio.Client
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO and
// makes sure the given buckets exist.
func NewMinIOStorage(ctx context.Context, cfg config.MinioConfig, logger *zap.Logger, buckets ...string) (Storage, error) {
	logger = logger.With(
		zap.String("host:port", cfg.Host+":"+cfg.Port),
		zap.String("user", cfg.User),
	)

	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Password, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	for _, bucket := range buckets {
		log := logger.With(zap.String("bucket", bucket))

		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket existence: %w", err)
		}
		if exists {
			log.Info("Bucket already exists")
			continue
		}

		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		log.Info("Successfully created bucket")
	}

	return &minioStorage{
		client: client,
		logger: logger,
	}, nil
}

// PutObject implements object.Storage.PutObject
func (m *minioStorage) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Readers can only be read once, each attempt needs a fresh one.
		_, err = m.client.PutObject(ctx, bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err == nil {
			return nil
		}
		m.logger.Warn("Failed to upload object to MinIO, retrying...", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		if !sleep(ctx, time.Duration(attempt)*time.Second) {
			break
		}
	}
	return errdomain.NewTransientError(fmt.Errorf("uploading %s/%s: %w", bucket, key, err), 0)
}

// GetObject implements object.Storage.GetObject
func (m *minioStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var content []byte
		content, err = m.getObject(ctx, bucket, key)
		if err == nil {
			return content, nil
		}
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, errdomain.ErrNotFound)
		}
		m.logger.Warn("Failed to get object from MinIO, retrying...", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		if !sleep(ctx, time.Duration(attempt)*time.Second) {
			break
		}
	}
	return nil, errdomain.NewTransientError(fmt.Errorf("reading %s/%s: %w", bucket, key, err), 0)
}

func (m *minioStorage) getObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// ListObjectKeys implements object.Storage.ListObjectKeys
func (m *minioStorage) ListObjectKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objectCh := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var keys []string
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// DeleteObject implements object.Storage.DeleteObject
func (m *minioStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
