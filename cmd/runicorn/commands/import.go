package commands

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/logger"
	"github.com/runicorn/runicorn/storage"
)

// ImportCmd unpacks an export archive into the storage root and reconciles
// the mirror so the runs appear immediately.
var ImportCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Import runs from an export archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var importOverwrite bool

func init() {
	ImportCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "Replace files that already exist")
}

func runImport(cmd *cobra.Command, args []string) error {
	env, err := openStorageEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	zr, err := zip.OpenReader(args[0])
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer zr.Close()

	var written, skipped int
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if err := validArchiveEntry(entry.Name); err != nil {
			return err
		}

		dst := filepath.Join(env.Root, filepath.FromSlash(entry.Name))
		if _, statErr := os.Stat(dst); statErr == nil && !importOverwrite {
			skipped++
			continue
		}
		if err := extractEntry(entry, dst); err != nil {
			return err
		}
		written++
	}

	rec := &storage.Reconciler{
		Root:        env.Root,
		Store:       env.Store,
		MetricStats: env.Engine.RunStats,
		Logger:      logger.Logger,
	}
	result, err := rec.Reconcile(context.Background())
	if err != nil {
		return err
	}

	pterm.Success.Printf("Imported %d files (%d skipped), %d runs on disk\n",
		written, skipped, result.Discovered)
	return nil
}

func extractEntry(entry *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "create run directory")
	}
	src, err := entry.Open()
	if err != nil {
		return errors.Wrapf(err, "open archive entry %s", entry.Name)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return errors.Wrapf(err, "write %s", dst)
	}
	return nil
}
