// Package storage implements the optional oplog-partition archival
// backends wired to the partition thread: a small object-storage seam
// with S3, Azure Blob, and MinIO implementations, selected by
// internal/config's ArchivalConfig.
package storage

import (
	"context"
	"fmt"
	"io"
)

// Backend is the narrow object-storage surface archival needs: write one
// named blob, and nothing else. Listing/restoring archived partitions is
// out of scope; this is a one-way archival sink.
type Backend interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64) error
}

// Key builds the canonical archival object name for one oplog partition
// from setName, startTS and endTS; partitionID is accepted but is not part
// of the name.
func Key(setName string, partitionID, startTS, endTS int64, ext string) string {
	if ext != "" {
		return fmt.Sprintf("%s/oplog/%020d-%020d.%s", setName, startTS, endTS, ext)
	}
	return fmt.Sprintf("%s/oplog/%020d-%020d", setName, startTS, endTS)
}

// New constructs the configured backend, or nil with a nil error if no
// archival backend is configured (archival is entirely optional).
func New(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case TypeS3:
		return newS3Backend(cfg.S3)
	case TypeAzure:
		return newAzureBackend(cfg.Azure)
	case TypeMinio:
		return newMinioBackend(cfg.Minio)
	default:
		return nil, fmt.Errorf("storage: unknown backend type %q", cfg.Type)
	}
}

// BackendType selects which archival backend New constructs.
type BackendType string

const (
	TypeS3    BackendType = "s3"
	TypeAzure BackendType = "azure"
	TypeMinio BackendType = "minio"
)

// Config mirrors internal/config's ArchivalConfig shape; it is declared
// here, independent of internal/config, so this package stays importable
// without pulling in the rest of the core's config surface.
type Config struct {
	Type  BackendType
	S3    S3Config
	Azure AzureConfig
	Minio MinioConfig
}
