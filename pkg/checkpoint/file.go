package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StateFileName is the checkpoint file inside a session's output directory.
const StateFileName = "workflow_state.json"

// FileBackend stores each session's checkpoint at
// <root>/<session-id>/workflow_state.json, next to the session's drafts.
// Writes are atomic and durable: temp file, fsync, rename, directory fsync.
type FileBackend struct {
	root string
}

// NewFileBackend creates a backend rooted at root.
func NewFileBackend(root string) (*FileBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("checkpoint: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: ensure root: %w", err)
	}
	return &FileBackend{root: root}, nil
}

// SplitOutputDir maps a session output directory to its file backend root
// and session ID.
func SplitOutputDir(dir string) (root, sessionID string) {
	clean := filepath.Clean(dir)
	return filepath.Dir(clean), filepath.Base(clean)
}

func (f *FileBackend) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || key == "." || key == ".." {
		return "", fmt.Errorf("checkpoint: invalid session id %q", key)
	}
	return filepath.Join(f.root, key, StateFileName), nil
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // key validated as a single path element
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpointFound, path)
		}
		return nil, err
	}
	return data, nil
}

func (f *FileBackend) Put(_ context.Context, key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.root, e.Name(), StateFileName)); err == nil {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBackend) Location(key string) string {
	return filepath.Join(f.root, key, StateFileName)
}

func (f *FileBackend) Close() error { return nil }

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // directory we just wrote into
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
