package storage

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/config"
)

// New builds the backend selected by c.StorageBackend.
func New(ctx context.Context, c *config.Config) (Storage, error) {
	switch c.StorageBackend {
	case config.StorageLocal:
		return NewLocalStorage(c.StorageRoot)
	case config.StorageS3:
		return NewS3Storage(ctx, S3Options{
			Region:       c.S3Region,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			BaseEndpoint: c.S3BaseEndpoint,
			Bucket:       c.S3Bucket,
			TempDir:      c.UploadTempDir,
		})
	case config.StorageMinio:
		return NewMinioStorage(MinioOptions{
			Endpoint:  c.MinioEndpoint,
			AccessKey: c.S3RootUser,
			SecretKey: c.S3RootPassword,
			UseSSL:    c.MinioUseSSL,
			Bucket:    c.S3Bucket,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
}
