package commands

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/storage"
)

// ExportCmd packs run directories into a portable zip archive. Entries keep
// the <path>/<run_id>/ layout so the archive can be unpacked into any
// storage root.
var ExportCmd = &cobra.Command{
	Use:   "export <run_id>...",
	Short: "Export run directories as a portable archive",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExport,
}

var exportOutput string

func init() {
	ExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "runicorn-export.zip", "Archive file to write")
}

func runExport(cmd *cobra.Command, args []string) error {
	for _, id := range args {
		if err := storage.ValidateRunID(id); err != nil {
			return UsageError(err)
		}
	}

	env, err := openStorageEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	out, err := os.Create(exportOutput)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	ctx := context.Background()
	var files int
	for _, id := range args {
		run, err := env.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		dir := storage.RunDir{Root: env.Root, Path: run.Path, RunID: run.RunID}
		n, err := addRunToArchive(zw, dir)
		if err != nil {
			return err
		}
		files += n
	}

	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "finalize archive")
	}
	pterm.Success.Printf("Exported %d runs (%d files) to %s\n", len(args), files, exportOutput)
	return nil
}

func addRunToArchive(zw *zip.Writer, dir storage.RunDir) (int, error) {
	base := dir.Dir()
	prefix := dir.Path + "/" + dir.RunID
	count := 0

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		name := prefix + "/" + filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(w, f)
		f.Close()
		if copyErr != nil {
			return copyErr
		}
		count++
		return nil
	})
	if err != nil {
		return count, errors.Wrapf(err, "archive run %s", dir.RunID)
	}
	return count, nil
}

// validArchiveEntry rejects entries that would escape the storage root when
// unpacked.
func validArchiveEntry(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return errors.Wrapf(errors.ErrInvalidRequest, "unsafe archive entry %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return errors.Wrapf(errors.ErrInvalidRequest, "unsafe archive entry %q", name)
		}
	}
	return nil
}
