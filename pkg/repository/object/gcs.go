package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/instill-ai/consultation-backend/config"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type gcsStorage struct {
	client *storage.Client
	logger *zap.Logger
}

// NewGCSStorage creates a new object.Storage implementation using GCS.
func NewGCSStorage(ctx context.Context, cfg config.GCSConfig, logger *zap.Logger) (Storage, error) {
	var opts []option.ClientOption
	if cfg.SAKey != "" {
		saKey, err := unwrapServiceAccountKey([]byte(cfg.SAKey))
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(saKey))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	return &gcsStorage{
		client: client,
		logger: logger.With(zap.String("storage", "gcs"), zap.String("project", cfg.ProjectID)),
	}, nil
}

// The service account key might be wrapped in a Vault response, in which case
// the credentials live under data.data.
func unwrapServiceAccountKey(saKey []byte) ([]byte, error) {
	var keyData map[string]any
	if err := json.Unmarshal(saKey, &keyData); err != nil {
		return saKey, nil
	}

	data, ok := keyData["data"].(map[string]any)
	if !ok {
		return saKey, nil
	}
	inner, ok := data["data"].(map[string]any)
	if !ok {
		return saKey, nil
	}

	key, err := json.Marshal(inner)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to marshal service account key: %w", err),
			"Unable to process service account credentials.",
		)
	}
	return key, nil
}

// PutObject implements object.Storage.PutObject
func (g *gcsStorage) PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error {
	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	writer := g.client.Bucket(bucket).Object(key).NewWriter(uploadCtx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{
		"upload_time": time.Now().Format(time.RFC3339),
		"source":      "consultation-backend",
	}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing %s/%s to GCS: %w", bucket, key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload of %s/%s: %w", bucket, key, err)
	}

	g.logger.Debug("Object uploaded to GCS", zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

// GetObject implements object.Storage.GetObject
func (g *gcsStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, errdomain.ErrNotFound)
		}
		return nil, fmt.Errorf("reading GCS object %s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading GCS object content %s/%s: %w", bucket, key, err)
	}
	return content, nil
}

// ListObjectKeys implements object.Storage.ListObjectKeys
func (g *gcsStorage) ListObjectKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing GCS objects %s/%s: %w", bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// DeleteObject implements object.Storage.DeleteObject
func (g *gcsStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	err := g.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting GCS object %s/%s: %w", bucket, key, err)
	}
	return nil
}
