package archive

import (
	"context"
	"fmt"
	"os"
)

// Backend selects the archive storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewFromEnv creates an archive based on environment variables.
//
// Environment variables:
//   - ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - ARCHIVE_DIR: base directory for the filesystem backend
//
// For S3:
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
func NewFromEnv(ctx context.Context) (Archive, error) {
	backend := Backend(os.Getenv("ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := os.Getenv("ARCHIVE_DIR")
		if dir == "" {
			dir = "archive"
		}
		return NewFSArchive(dir)
	case BackendS3:
		bucket := os.Getenv("ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 archive")
		}
		region := os.Getenv("ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archive(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}
