//go:build !gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/xggarcia/Curt-IA/pkg/config"
)

func newGCSStore(_ context.Context, _ config.ArtifactsConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
