package artifacts

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/xggarcia/Curt-IA/pkg/config"
)

// StoreType names an artifact storage backend.
type StoreType string

// Storage backends.
const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStore builds the configured store. Filesystem blobs default to
// <outputDir>/.artifacts.
func NewStore(ctx context.Context, cfg config.ArtifactsConfig, outputDir string) (Store, error) {
	switch StoreType(cfg.Type) {
	case "", StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(outputDir, ".artifacts")
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: ARTIFACT_S3_BUCKET is required for S3 storage", config.ErrInvalidConfig)
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: ARTIFACT_GCS_BUCKET is required for GCS storage", config.ErrInvalidConfig)
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported artifact storage type: %s", config.ErrInvalidConfig, cfg.Type)
	}
}
