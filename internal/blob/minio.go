package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"jobengine/internal/config"
)

// Minio stores artifacts in a MinIO bucket, creating it on first use.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, cfg config.Config) (*Minio, error) {
	client, err := minio.New(cfg.ArtifactMinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ArtifactMinioAccessKey, cfg.ArtifactMinioSecretKey, ""),
		Secure: cfg.ArtifactMinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	m := &Minio{client: client, bucket: cfg.ArtifactMinioBucket}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (m *Minio) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("minio://%s/%s", m.bucket, key), nil
}

func (m *Minio) Delete(ctx context.Context, locator string) error {
	bucket, key, err := splitLocator("minio", locator)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
