package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/blob"
	"github.com/runicorn/runicorn/errors"
)

// Archiver copies files into the blob store and restores them from
// manifests.
type Archiver struct {
	Blobs  *blob.Store
	Logger *zap.SugaredLogger
}

// ArchiveMeta is optional metadata attached to an archived asset.
type ArchiveMeta struct {
	Description string
	SourceURI   string
	Context     string
}

// ArchiveFile stores one file, returning its digest and size.
func (a *Archiver) ArchiveFile(sourcePath string) (digest string, size int64, err error) {
	digest, size, err = a.Blobs.Put(sourcePath)
	if err != nil {
		return "", 0, errors.Wrapf(err, "archive %s", sourcePath)
	}
	if a.Logger != nil {
		a.Logger.Debugw("Archived file", "source", sourcePath, "digest", digest, "size", size)
	}
	return digest, size, nil
}

// ArchiveDir recursively archives a directory, producing a manifest of every
// regular file keyed by relative path.
func (a *Archiver) ArchiveDir(dirPath string) (*Manifest, error) {
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, errors.Wrap(err, "resolve directory")
	}

	var entries []Entry
	err = filepath.Walk(absDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(absDir, path)
		if err != nil {
			return err
		}

		digest, size, err := a.Blobs.Put(path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:   filepath.ToSlash(rel),
			Size:   size,
			Digest: digest,
			Mode:   uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "archive directory %s", dirPath)
	}

	manifest := NewManifest(entries)
	if a.Logger != nil {
		a.Logger.Infow("Archived directory",
			"dir", absDir,
			"files", len(entries),
			"fingerprint", manifest.Fingerprint,
		)
	}
	return manifest, nil
}

// Restore recreates a manifest's tree under targetDir. Each entry is
// hardlinked from the blob store when possible, else copied; mode bits are
// applied where the OS permits. Existing files are refused unless force.
func (a *Archiver) Restore(manifest *Manifest, targetDir string, force bool) error {
	for _, entry := range manifest.Entries {
		dst := filepath.Join(targetDir, filepath.FromSlash(entry.Path))

		if !force {
			if _, err := os.Lstat(dst); err == nil {
				return errors.Wrapf(errors.ErrConflict, "refusing to overwrite %s", dst)
			}
		} else {
			os.Remove(dst)
		}

		if err := a.Blobs.LinkOrCopy(entry.Digest, dst); err != nil {
			return errors.Wrapf(err, "restore %s", entry.Path)
		}
		if entry.Mode != 0 {
			// Hardlinked files share the blob's inode; chmod on a copy is
			// exact, on a hardlink it also affects the archive copy, so only
			// widen when the file is not linked into the store.
			if err := os.Chmod(dst, os.FileMode(entry.Mode)); err != nil && a.Logger != nil {
				a.Logger.Debugw("Could not apply mode bits", "path", dst, "error", err)
			}
		}
	}
	return nil
}

// VerifyTree re-hashes every file of a restored tree against the manifest.
func VerifyTree(manifest *Manifest, dir string) error {
	for _, entry := range manifest.Entries {
		path := filepath.Join(dir, filepath.FromSlash(entry.Path))
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open %s", entry.Path)
		}
		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "hash %s", entry.Path)
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != entry.Digest {
			return errors.Newf("digest mismatch for %s: got %s want %s", entry.Path, got, entry.Digest)
		}
	}
	return nil
}

func manifestJSON(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	return data, errors.Wrap(err, "marshal manifest")
}
