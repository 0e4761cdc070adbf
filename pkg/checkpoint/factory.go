package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/xggarcia/Curt-IA/pkg/config"
)

// Open builds a Store for the configured backend. root is the output
// directory that holds one subdirectory per session.
func Open(ctx context.Context, cfg config.CheckpointConfig, root string) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "", "file":
		backend, err = NewFileBackend(root)
	case "memory":
		backend = NewMemoryBackend()
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(root, "checkpoints.db")
		}
		backend, err = OpenSQLite(path)
	case "postgres":
		backend, err = OpenPostgres(ctx, cfg.DSN)
	case "badger":
		dir := cfg.DSN
		if dir == "" {
			dir = filepath.Join(root, ".checkpoints")
		}
		backend, err = OpenBadger(dir)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(backend), nil
}
