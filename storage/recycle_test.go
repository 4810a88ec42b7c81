package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runicorn/runicorn/blob"
	rtesting "github.com/runicorn/runicorn/internal/testing"
)

func newBin(t *testing.T, root string) (*RecycleBin, *RunStore) {
	t.Helper()
	store := NewRunStore(rtesting.CreateTestDB(t))
	blobs, err := blob.NewStore(filepath.Join(root, ArchiveDirName), nil)
	require.NoError(t, err)
	return &RecycleBin{Root: root, Store: store, Blobs: blobs}, store
}

func TestSoftDeleteWritesTombstone(t *testing.T) {
	root := t.TempDir()
	bin, store := newBin(t, root)
	ctx := context.Background()

	makeRun(t, root, "team/a", "20250101_120000_abc123", nil, nil)
	require.NoError(t, store.Upsert(ctx, testRun("20250101_120000_abc123", "team/a", StatusFinished, 1000)))

	deleted, skipped, err := bin.SoftDelete(ctx, []string{"20250101_120000_abc123", "20250102_120000_def456", "bogus"}, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101_120000_abc123"}, deleted)
	assert.Equal(t, []string{"20250102_120000_def456", "bogus"}, skipped)

	got, err := store.Get(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	tombstones, err := bin.List()
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.Equal(t, "team/a", tombstones[0].Path)
	assert.Equal(t, "cleanup", tombstones[0].Reason)

	// The run directory is untouched.
	rd := RunDir{Root: root, Path: "team/a", RunID: "20250101_120000_abc123"}
	assert.True(t, rd.Exists())
}

func TestRestoreClearsTombstone(t *testing.T) {
	root := t.TempDir()
	bin, store := newBin(t, root)
	ctx := context.Background()

	makeRun(t, root, "team/a", "20250101_120000_abc123", nil, nil)
	require.NoError(t, store.Upsert(ctx, testRun("20250101_120000_abc123", "team/a", StatusFinished, 1000)))
	_, _, err := bin.SoftDelete(ctx, []string{"20250101_120000_abc123"}, "")
	require.NoError(t, err)

	restored, skipped, err := bin.Restore(ctx, []string{"20250101_120000_abc123", "20250102_120000_def456"})
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101_120000_abc123"}, restored)
	assert.Equal(t, []string{"20250102_120000_def456"}, skipped)

	got, err := store.Get(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	assert.False(t, got.Deleted())

	tombstones, err := bin.List()
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestEmptyDeletesDirectoriesAndOrphanedBlobs(t *testing.T) {
	root := t.TempDir()
	bin, store := newBin(t, root)
	ctx := context.Background()

	// Two runs; each references its own blob via assets.json.
	keep := makeRun(t, root, "team/keep", "20250101_120000_abc123", nil, nil)
	drop := makeRun(t, root, "team/drop", "20250102_120000_def456", nil, nil)

	src := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(src, []byte("kept artifact"), 0o644))
	keptDigest, _, err := bin.Blobs.Put(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, []byte("dropped artifact"), 0o644))
	droppedDigest, _, err := bin.Blobs.Put(src)
	require.NoError(t, err)

	writeAssets := func(rd RunDir, digest string) {
		manifest := map[string]interface{}{
			"assets": []map[string]interface{}{{"kind": "output", "saved": true, "digest": digest}},
		}
		data, err := json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(rd.File(AssetsFile), data, 0o644))
	}
	writeAssets(keep, keptDigest)
	writeAssets(drop, droppedDigest)

	require.NoError(t, store.UpsertBatch(ctx, []*Run{
		testRun("20250101_120000_abc123", "team/keep", StatusFinished, 1000),
		testRun("20250102_120000_def456", "team/drop", StatusFinished, 2000),
	}))
	_, _, err = bin.SoftDelete(ctx, []string{"20250102_120000_def456"}, "")
	require.NoError(t, err)

	result, err := bin.Empty(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"20250102_120000_def456"}, result.Deleted)
	assert.Empty(t, result.Failed)
	require.NotNil(t, result.GC)
	assert.Equal(t, 1, result.GC.Deleted)

	assert.False(t, drop.Exists())
	assert.True(t, keep.Exists())
	assert.True(t, bin.Blobs.Has(keptDigest))
	assert.False(t, bin.Blobs.Has(droppedDigest))

	_, err = store.Get(ctx, "20250102_120000_def456")
	assert.Error(t, err)
}

func TestPurgeExpiredHonorsRetention(t *testing.T) {
	root := t.TempDir()
	bin, store := newBin(t, root)
	ctx := context.Background()

	makeRun(t, root, "old", "20250101_120000_abc123", nil, nil)
	makeRun(t, root, "new", "20250102_120000_def456", nil, nil)
	require.NoError(t, store.UpsertBatch(ctx, []*Run{
		testRun("20250101_120000_abc123", "old", StatusFinished, 1000),
		testRun("20250102_120000_def456", "new", StatusFinished, 2000),
	}))
	_, _, err := bin.SoftDelete(ctx, []string{"20250101_120000_abc123", "20250102_120000_def456"}, "")
	require.NoError(t, err)

	// Backdate one tombstone past the retention window.
	old := &Tombstone{
		RunID:     "20250101_120000_abc123",
		Path:      "old",
		DeletedAt: float64(time.Now().Add(-40*24*time.Hour).UnixNano()) / 1e9,
	}
	require.NoError(t, writeJSONFileAtomic(bin.tombstonePath(old.RunID), old))

	result, err := bin.PurgeExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101_120000_abc123"}, result.Deleted)

	tombstones, err := bin.List()
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.Equal(t, "20250102_120000_def456", tombstones[0].RunID)
}
