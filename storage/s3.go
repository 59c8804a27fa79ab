package storage

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// S3Config is the subset of S3 connection settings archival needs.
type S3Config struct {
	Bucket          string
	Region          string
	EndpointURL     string // non-empty for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

type s3Backend struct {
	bucket   string
	uploader *s3manager.Uploader
}

func newS3Backend(cfg S3Config) (Backend, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.EndpointURL != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.EndpointURL).WithS3ForcePathStyle(cfg.ForcePathStyle)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "storage: new s3 session")
	}
	return &s3Backend{
		bucket:   cfg.Bucket,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (b *s3Backend) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return errors.Wrapf(err, "storage: s3 put %s/%s", b.bucket, key)
	}
	return nil
}
