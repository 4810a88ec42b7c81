package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/assets"
	"github.com/runicorn/runicorn/blob"
	"github.com/runicorn/runicorn/errors"
)

// Tombstone marks a soft-deleted run. The run directory stays in place; the
// tombstone under recycle_bin/ records when and why it was deleted so the
// retention sweep and the empty operation know what to act on.
type Tombstone struct {
	RunID     string  `json:"run_id"`
	Path      string  `json:"path"`
	DeletedAt float64 `json:"deleted_at"` // unix seconds
	Reason    string  `json:"reason,omitempty"`
}

// RecycleBin manages soft-deleted runs: tombstones, restore, and permanent
// deletion with blob garbage collection.
type RecycleBin struct {
	Root   string
	Store  *RunStore
	Blobs  *blob.Store
	Logger *zap.SugaredLogger
}

func (b *RecycleBin) dir() string {
	return filepath.Join(b.Root, RecycleBinDirName)
}

func (b *RecycleBin) tombstonePath(runID string) string {
	return filepath.Join(b.dir(), runID+".json")
}

// SoftDelete marks runs deleted in the mirror and writes tombstones. Run
// directories are not touched. Unknown IDs are skipped and reported.
func (b *RecycleBin) SoftDelete(ctx context.Context, runIDs []string, reason string) (deleted []string, skipped []string, err error) {
	if err := os.MkdirAll(b.dir(), 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create recycle bin")
	}

	now := float64(time.Now().UnixNano()) / 1e9
	for _, id := range runIDs {
		if err := ValidateRunID(id); err != nil {
			skipped = append(skipped, id)
			continue
		}
		run, err := b.Store.Get(ctx, id)
		if errors.IsNotFound(err) {
			skipped = append(skipped, id)
			continue
		}
		if err != nil {
			return deleted, skipped, err
		}

		if _, err := b.Store.SoftDelete(ctx, []string{id}, reason); err != nil {
			return deleted, skipped, err
		}
		ts := &Tombstone{RunID: id, Path: run.Path, DeletedAt: now, Reason: reason}
		if err := writeJSONFileAtomic(b.tombstonePath(id), ts); err != nil {
			return deleted, skipped, err
		}
		deleted = append(deleted, id)
	}

	if b.Logger != nil && len(deleted) > 0 {
		b.Logger.Infow("Soft-deleted runs", "count", len(deleted), "reason", reason)
	}
	return deleted, skipped, nil
}

// List returns every tombstone, newest first.
func (b *RecycleBin) List() ([]*Tombstone, error) {
	entries, err := os.ReadDir(b.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read recycle bin")
	}

	var out []*Tombstone
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var ts Tombstone
		if err := readJSONFile(filepath.Join(b.dir(), e.Name()), &ts); err != nil {
			if b.Logger != nil {
				b.Logger.Warnw("Skipping unreadable tombstone", "file", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, &ts)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt > out[j].DeletedAt })
	return out, nil
}

// Restore clears deleted_at and removes tombstones for the given runs.
func (b *RecycleBin) Restore(ctx context.Context, runIDs []string) (restored []string, skipped []string, err error) {
	for _, id := range runIDs {
		if _, statErr := os.Stat(b.tombstonePath(id)); statErr != nil {
			skipped = append(skipped, id)
			continue
		}
		if _, err := b.Store.RestoreDeleted(ctx, []string{id}); err != nil {
			return restored, skipped, err
		}
		if err := os.Remove(b.tombstonePath(id)); err != nil && !os.IsNotExist(err) {
			return restored, skipped, errors.Wrapf(err, "remove tombstone %s", id)
		}
		restored = append(restored, id)
	}
	return restored, skipped, nil
}

// EmptyResult summarizes a permanent-deletion pass.
type EmptyResult struct {
	Deleted []string       `json:"deleted"`
	Failed  []string       `json:"failed,omitempty"`
	GC      *blob.GCResult `json:"gc,omitempty"`
}

// Empty permanently deletes every tombstoned run: the run directory is
// removed, its mirror rows are dropped, and the blob store is garbage
// collected against the live set rebuilt from the remaining manifests.
func (b *RecycleBin) Empty(ctx context.Context) (*EmptyResult, error) {
	tombstones, err := b.List()
	if err != nil {
		return nil, err
	}
	return b.purge(ctx, tombstones)
}

// PurgeRuns permanently deletes only the named tombstoned runs.
func (b *RecycleBin) PurgeRuns(ctx context.Context, runIDs []string) (*EmptyResult, error) {
	tombstones, err := b.List()
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		wanted[id] = true
	}
	var selected []*Tombstone
	for _, ts := range tombstones {
		if wanted[ts.RunID] {
			selected = append(selected, ts)
		}
	}
	return b.purge(ctx, selected)
}

// PurgeExpired permanently deletes tombstoned runs older than the retention
// window. Called by the watcher.
func (b *RecycleBin) PurgeExpired(ctx context.Context, retention time.Duration) (*EmptyResult, error) {
	tombstones, err := b.List()
	if err != nil {
		return nil, err
	}
	cutoff := float64(time.Now().Add(-retention).UnixNano()) / 1e9
	var expired []*Tombstone
	for _, ts := range tombstones {
		if ts.DeletedAt < cutoff {
			expired = append(expired, ts)
		}
	}
	if len(expired) == 0 {
		return &EmptyResult{}, nil
	}
	return b.purge(ctx, expired)
}

func (b *RecycleBin) purge(ctx context.Context, tombstones []*Tombstone) (*EmptyResult, error) {
	result := &EmptyResult{}

	for _, ts := range tombstones {
		runDir := RunDir{Root: b.Root, Path: ts.Path, RunID: ts.RunID}
		if err := os.RemoveAll(runDir.Dir()); err != nil {
			if b.Logger != nil {
				b.Logger.Errorw("Failed to delete run directory", "run_id", ts.RunID, "error", err)
			}
			result.Failed = append(result.Failed, ts.RunID)
			continue
		}
		if err := b.Store.DeleteRows(ctx, []string{ts.RunID}); err != nil {
			return result, err
		}
		if err := os.Remove(b.tombstonePath(ts.RunID)); err != nil && !os.IsNotExist(err) {
			return result, errors.Wrapf(err, "remove tombstone %s", ts.RunID)
		}
		result.Deleted = append(result.Deleted, ts.RunID)
	}

	if b.Blobs != nil && len(result.Deleted) > 0 {
		liveSet, err := BuildLiveSet(b.Root)
		if err != nil {
			return result, err
		}
		gc, err := b.Blobs.GC(liveSet, false)
		if err != nil {
			return result, err
		}
		result.GC = gc
	}

	if b.Logger != nil && len(result.Deleted) > 0 {
		b.Logger.Infow("Emptied recycle bin entries",
			"deleted", len(result.Deleted),
			"failed", len(result.Failed),
		)
	}
	return result, nil
}

// BuildLiveSet scans every run's assets.json under the storage root, soft
// deleted runs included, and returns the set of referenced blob digests.
func BuildLiveSet(root string) (map[string]bool, error) {
	dirs, err := DiscoverRuns(root, true)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool)
	for _, dir := range dirs {
		manifest, err := assets.ReadRunManifest(dir.File(AssetsFile))
		if err != nil {
			// A malformed manifest must not widen the GC candidate set.
			return nil, err
		}
		for _, digest := range manifest.Digests() {
			live[digest] = true
		}
	}
	return live, nil
}
