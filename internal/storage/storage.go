// Package storage keeps promotion artifact bundles on disk or in S3.
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"jobgate/internal/config"
	"jobgate/internal/db"
	"jobgate/internal/errs"
)

var ErrNotFound = errs.ErrNotFound

type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// New builds the configured backend. Local storage defaults to the workspace artifacts dir.
func New(ctx context.Context, cfg config.StorageConfig, workspace string) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(db.Dir(workspace), "artifacts")
		}
		return NewLocalStorage(dir)
	case "s3":
		return NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage type %s", cfg.Type)
	}
}

// BundlePath is where the artifact bundle for one evaluation pass is written.
func BundlePath(planID string, pass int) string {
	return fmt.Sprintf("plans/%s/pass-%d.json", planID, pass)
}
