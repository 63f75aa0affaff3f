// Package storage replicates checkpoint files to S3-compatible object storage.
package storage

import (
	"context"
	"fmt"

	"modelforge/pkg/config"
	"modelforge/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOMirror uploads checkpoint files under <bucket>/checkpoints/<jobHex>/
type MinIOMirror struct {
	client *minio.Client
	bucket string
}

// NewMinIOMirror creates the client and ensures the bucket exists
func NewMinIOMirror(ctx context.Context, cfg config.MirrorConfig) (*MinIOMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	m := &MinIOMirror{client: client, bucket: cfg.Bucket}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MinIOMirror) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
	}
	logger.InfoCtx(ctx, "created checkpoint bucket %s", m.bucket)
	return nil
}

func objectPrefix(jobHex string) string {
	return "checkpoints/" + jobHex + "/"
}

// Upload copies one local file
func (m *MinIOMirror) Upload(ctx context.Context, jobHex, name, path string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, objectPrefix(jobHex)+name, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}

// RemoveJob deletes every object of a job
func (m *MinIOMirror) RemoveJob(ctx context.Context, jobHex string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    objectPrefix(jobHex),
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", obj.Key, err)
		}
	}
	return nil
}
