package object

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

const (
	// JSONContentType is the content type of the pipeline artifacts.
	JSONContentType = "application/json"
)

// Storage defines the interface for object storage operations.
// Implementations: MinIO (default), GCS (required by Document AI)
type Storage interface {
	PutObject(ctx context.Context, bucket, key string, content []byte, contentType string) error
	// GetObject returns errdomain.ErrNotFound when the object doesn't exist.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListObjectKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// PutJSON encodes v and stores it at bucket/key.
func PutJSON(ctx context.Context, s Storage, bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	return s.PutObject(ctx, bucket, key, b, JSONContentType)
}

// GetJSON reads bucket/key and decodes it into v. An undecodable object
// yields errdomain.ErrValidation.
func GetJSON(ctx context.Context, s Storage, bucket, key string, v any) error {
	b, err := s.GetObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decoding %s/%s: %v", errdomain.ErrValidation, bucket, key, err)
	}
	return nil
}

// GCSURI returns the gs://bucket/key URI of an object.
func GCSURI(bucket, key string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, key)
}

// ParseGCSURI parses a gs://bucket/path URI into bucket and object path
// components.
func ParseGCSURI(gsURI string) (bucket string, objectPath string, err error) {
	remaining, ok := strings.CutPrefix(gsURI, "gs://")
	if !ok || remaining == "" {
		return "", "", fmt.Errorf("URI %q must start with gs://", gsURI)
	}

	bucket, objectPath, _ = strings.Cut(remaining, "/")
	return bucket, objectPath, nil
}
