//go:build gcp

package artifacts

import (
	"context"

	"github.com/xggarcia/Curt-IA/pkg/config"
)

func newGCSStore(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
