package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/storage"
)

// ManageCmd shows storage statistics: run counts, mirror size, blob store
// usage, and recycle-bin backlog.
var ManageCmd = &cobra.Command{
	Use:   "manage",
	Short: "Show storage statistics",
	RunE:  runManage,
}

var manageGC bool

func init() {
	ManageCmd.Flags().BoolVar(&manageGC, "gc", false, "Sweep unreferenced blobs after printing statistics")
}

func runManage(cmd *cobra.Command, args []string) error {
	env, err := openStorageEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	_, live, err := env.Store.List(ctx, storage.ListFilter{PerPage: 1})
	if err != nil {
		return err
	}
	_, deleted, err := env.Store.List(ctx, storage.ListFilter{PerPage: 1, Deleted: "1"})
	if err != nil {
		return err
	}
	tombstones, err := env.Bin.List()
	if err != nil {
		return err
	}

	var dbSize int64
	if info, statErr := os.Stat(filepath.Join(env.Root, storage.MirrorDBName)); statErr == nil {
		dbSize = info.Size()
	}
	blobCount, blobBytes := countTree(env.Blobs.Root())

	pterm.DefaultTable.WithData(pterm.TableData{
		{"Storage root", env.Root},
		{"Runs", fmt.Sprintf("%d", live)},
		{"Soft-deleted runs", fmt.Sprintf("%d", deleted)},
		{"Recycle-bin entries", fmt.Sprintf("%d", len(tombstones))},
		{"Mirror database", humanBytes(dbSize)},
		{"Blobs", fmt.Sprintf("%d (%s)", blobCount, humanBytes(blobBytes))},
	}).Render()

	if manageGC {
		liveSet, err := storage.BuildLiveSet(env.Root)
		if err != nil {
			return err
		}
		result, err := env.Blobs.GC(liveSet, false)
		if err != nil {
			return err
		}
		pterm.Success.Printf("GC removed %d blobs (%s reclaimed)\n",
			result.Deleted, humanBytes(result.ReclaimedBytes))
	}
	return nil
}

func countTree(root string) (count int, size int64) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			count++
			size += info.Size()
		}
		return nil
	})
	return count, size
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
