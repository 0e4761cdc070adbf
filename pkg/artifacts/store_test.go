package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xggarcia/Curt-IA/pkg/config"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put(ctx, []byte("INT. LIGHTHOUSE - NIGHT"))
	require.NoError(t, err)
	assert.Equal(t, Ref([]byte("INT. LIGHTHOUSE - NIGHT")), ref)

	again, err := store.Put(ctx, []byte("INT. LIGHTHOUSE - NIGHT"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "INT. LIGHTHOUSE - NIGHT", string(data))

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, ref), "deleting twice is fine")
}

func TestFileStore_RejectsBadRefs(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"", "md5:abc", "sha256:zz", "sha256:abcd", "sha256:../../etc/passwd"} {
		_, err := store.Get(ctx, ref)
		assert.Error(t, err, ref)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewStore(ctx, config.ArtifactsConfig{}, dir)
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, ".artifacts"), fs.baseDir)

	_, err = NewStore(ctx, config.ArtifactsConfig{Type: "s3"}, dir)
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = NewStore(ctx, config.ArtifactsConfig{Type: "ftp"}, dir)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOutputDir(t *testing.T) {
	out, err := NewOutputDir(filepath.Join(t.TempDir(), "lighthouse"))
	require.NoError(t, err)

	path, err := out.WriteDraft("script", 2, "draft two")
	require.NoError(t, err)
	assert.Equal(t, "script_draft_2.txt", filepath.Base(path))

	path, err = out.WriteReport("consistency-spec", 1, "report")
	require.NoError(t, err)
	assert.Equal(t, "consistency_spec_feedback_iteration_1.txt", filepath.Base(path))

	path, err = out.WriteFinal("Script", "final")
	require.NoError(t, err)
	assert.Equal(t, "final_script.txt", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "final", string(data))
}
