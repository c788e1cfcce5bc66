//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSFromEnv(ctx context.Context) (Archive, error) {
	bucket := os.Getenv("ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_GCS_BUCKET is required for GCS archive")
	}
	return NewGCSArchive(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
	})
}
