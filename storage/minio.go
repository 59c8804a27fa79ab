package storage

import (
	"context"
	"io"

	"github.com/minio/minio-go"
	"github.com/pkg/errors"
)

// MinioConfig is the subset of MinIO/S3-compatible connection settings
// archival needs.
type MinioConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

type minioBackend struct {
	client *minio.Client
	bucket string
}

func newMinioBackend(cfg MinioConfig) (Backend, error) {
	client, err := minio.New(cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.UseSSL)
	if err != nil {
		return nil, errors.Wrap(err, "storage: new minio client")
	}
	return &minioBackend{client: client, bucket: cfg.Bucket}, nil
}

func (b *minioBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := b.client.PutObjectWithContext(ctx, b.bucket, key, r, size, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "storage: minio put %s/%s", b.bucket, key)
	}
	return nil
}
