package assets

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
)

// Snapshotter captures a workspace tree into a ZIP plus a manifest.
type Snapshotter struct {
	// MaxTotalBytes bounds the snapshot; 0 means unlimited.
	MaxTotalBytes int64
	Logger        *zap.SugaredLogger
}

// Snapshot walks workspaceRoot, applying .rnignore rules, and writes a ZIP
// to zipPath. Paths inside the ZIP are canonical forward-slash relatives.
// Any path whose resolved target lies outside the workspace root (symlink
// escape) is skipped. The returned manifest's fingerprint identifies the
// snapshot.
func (s *Snapshotter) Snapshot(workspaceRoot, zipPath string) (*Manifest, error) {
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, errors.Wrap(err, "resolve workspace root")
	}
	canonRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize workspace root")
	}

	ignores, err := LoadIgnoreList(filepath.Join(absRoot, ".rnignore"))
	if err != nil {
		return nil, err
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot zip")
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	var entries []Entry
	var total int64

	walkErr := filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if ignores.Match(relSlash, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlink escape defence: the resolved target must stay inside the
		// canonical workspace root.
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warnw("Skipping unresolvable path in snapshot", "path", relSlash, "error", err)
			}
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if resolved != canonRoot && !strings.HasPrefix(resolved, canonRoot+string(os.PathSeparator)) {
			if s.Logger != nil {
				s.Logger.Warnw("Skipping path escaping workspace root", "path", relSlash)
			}
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Stat(resolved)
		if err != nil {
			return nil
		}
		if !target.Mode().IsRegular() {
			return nil
		}

		total += target.Size()
		if s.MaxTotalBytes > 0 && total > s.MaxTotalBytes {
			return errors.Newf("snapshot exceeds size limit (%d bytes)", s.MaxTotalBytes)
		}

		digest, err := addZipEntry(zw, resolved, relSlash, target)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:   relSlash,
			Size:   target.Size(),
			Digest: digest,
			Mode:   uint32(target.Mode().Perm()),
		})
		return nil
	})
	if walkErr != nil {
		zw.Close()
		os.Remove(zipPath)
		return nil, errors.Wrap(walkErr, "walk workspace")
	}

	manifest := NewManifest(entries)

	// The manifest rides inside the ZIP so a snapshot is self-describing.
	if err := writeManifestEntry(zw, manifest); err != nil {
		zw.Close()
		os.Remove(zipPath)
		return nil, err
	}
	if err := zw.Close(); err != nil {
		os.Remove(zipPath)
		return nil, errors.Wrap(err, "finalize snapshot zip")
	}

	if s.Logger != nil {
		s.Logger.Infow("Workspace snapshot complete",
			"workspace", absRoot,
			"files", len(entries),
			"total_bytes", manifest.TotalSize,
			"fingerprint", manifest.Fingerprint,
		)
	}
	return manifest, nil
}

func addZipEntry(zw *zip.Writer, srcPath, relSlash string, info os.FileInfo) (string, error) {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return "", errors.Wrap(err, "zip header")
	}
	hdr.Name = relSlash
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", errors.Wrap(err, "create zip entry")
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", srcPath)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), f); err != nil {
		return "", errors.Wrapf(err, "write zip entry %s", relSlash)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifestEntry(zw *zip.Writer, m *Manifest) error {
	w, err := zw.Create(".runicorn-manifest.json")
	if err != nil {
		return errors.Wrap(err, "create manifest entry")
	}
	data, err := manifestJSON(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "write manifest entry")
}
