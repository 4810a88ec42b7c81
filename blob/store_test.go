package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "archive"), nil)
	require.NoError(t, err)
	return store
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPutAndOpen(t *testing.T) {
	store := newTestStore(t)

	digest, size, err := store.Put(writeTemp(t, "hello blob"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	want := sha256.Sum256([]byte("hello blob"))
	assert.Equal(t, hex.EncodeToString(want[:]), digest)
	assert.True(t, store.Has(digest))

	rc, err := store.Open(digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))
}

func TestPutDeduplicates(t *testing.T) {
	store := newTestStore(t)

	d1, _, err := store.Put(writeTemp(t, "same bytes"))
	require.NoError(t, err)
	d2, _, err := store.Put(writeTemp(t, "same bytes"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// Exactly one file in the shard tree
	count := 0
	filepath.Walk(filepath.Join(store.Root(), "sha256"), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			count++
		}
		return nil
	})
	assert.Equal(t, 1, count)
}

func TestPathRejectsMalformedDigest(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Path("../../etc/passwd")
	assert.Error(t, err)
	_, err = store.Path("ABCD")
	assert.Error(t, err)
	assert.False(t, store.Has("not-a-digest"))
}

func TestLinkOrCopy(t *testing.T) {
	store := newTestStore(t)

	digest, _, err := store.Put(writeTemp(t, "linked content"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "run", "media", "file.bin")
	require.NoError(t, store.LinkOrCopy(digest, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "linked content", string(data))

	err = store.LinkOrCopy("0000000000000000000000000000000000000000000000000000000000000000", dst+"2")
	assert.Error(t, err)
}

func TestVerifyQuarantinesCorruptBlob(t *testing.T) {
	store := newTestStore(t)

	digest, _, err := store.Put(writeTemp(t, "intact"))
	require.NoError(t, err)

	ok, err := store.Verify(digest)
	require.NoError(t, err)
	assert.True(t, ok)

	// Corrupt the blob in place
	path, err := store.Path(digest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	ok, err = store.Verify(digest)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.Has(digest))

	_, err = os.Stat(filepath.Join(store.Root(), "quarantine", digest))
	assert.NoError(t, err)
}

func TestGC(t *testing.T) {
	store := newTestStore(t)

	live, _, err := store.Put(writeTemp(t, "live blob"))
	require.NoError(t, err)
	orphan, _, err := store.Put(writeTemp(t, "orphan blob"))
	require.NoError(t, err)

	// Dry run deletes nothing
	result, err := store.GC(map[string]bool{live: true}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Deleted)
	assert.True(t, store.Has(orphan))

	result, err = store.GC(map[string]bool{live: true}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.True(t, store.Has(live))
	assert.False(t, store.Has(orphan))
}

func TestCleanupTempOnStartup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sha256"), 0o755))
	stale := filepath.Join(dir, "sha256", ".put-12345")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	_, err := NewStore(dir, nil)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
