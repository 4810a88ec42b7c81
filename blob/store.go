// Package blob implements the content-addressed archive under
// <storage_root>/archive. Blobs are keyed by SHA-256 and shared across runs
// and assets; a blob file is immutable once written.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
)

var digestRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Store is a SHA-256 content-addressed blob store.
// Layout: <root>/sha256/<aa>/<bb>/<remaining60>.
type Store struct {
	root   string
	logger *zap.SugaredLogger
}

// NewStore opens (creating if needed) the blob store rooted at archiveDir.
// Leftover temp files from interrupted puts are cleaned up.
func NewStore(archiveDir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(archiveDir, "sha256"), 0o755); err != nil {
		return nil, errors.Wrap(err, "create archive directory")
	}
	s := &Store{root: archiveDir, logger: logger}
	if n := s.cleanupTemp(); n > 0 && logger != nil {
		logger.Infow("Cleaned up interrupted blob writes", "removed", n)
	}
	return s, nil
}

// Root returns the archive directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the file path for a digest without checking existence.
func (s *Store) Path(digest string) (string, error) {
	if !digestRe.MatchString(digest) {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "malformed digest %q", digest)
	}
	return filepath.Join(s.root, "sha256", digest[:2], digest[2:4], digest[4:]), nil
}

// Has reports whether a blob exists for the digest.
func (s *Store) Has(digest string) bool {
	path, err := s.Path(digest)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open opens the blob for reading.
func (s *Store) Open(digest string) (io.ReadCloser, error) {
	path, err := s.Path(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundf("blob %s", digest)
		}
		return nil, errors.Wrap(err, "open blob")
	}
	return f, nil
}

// Put stores the file at sourcePath, returning its digest and size.
// The hash is computed streaming; the write goes to a temp file on the same
// filesystem and is renamed into place so concurrent puts of the same bytes
// are safe. If the blob already exists the copy is skipped entirely.
func (s *Store) Put(sourcePath string) (digest string, size int64, err error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return "", 0, errors.Wrap(err, "open source")
	}
	defer src.Close()
	return s.PutReader(src)
}

// PutReader stores the contents of r.
func (s *Store) PutReader(r io.Reader) (digest string, size int64, err error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "sha256"), ".put-*")
	if err != nil {
		return "", 0, errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName) // no-op after successful rename
	}()

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, errors.Wrap(err, "stream blob")
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, errors.Wrap(err, "sync blob")
	}
	if err := tmp.Close(); err != nil {
		return "", 0, errors.Wrap(err, "close blob")
	}

	digest = hex.EncodeToString(h.Sum(nil))
	target, err := s.Path(digest)
	if err != nil {
		return "", 0, err
	}

	if s.Has(digest) {
		// Deduplicated: discard the temp copy.
		return digest, size, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, errors.Wrap(err, "create shard directory")
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", 0, errors.Wrap(err, "rename blob into place")
	}
	return digest, size, nil
}

// LinkOrCopy materializes the blob at dst. A hardlink is attempted first;
// on failure (cross-device, unsupported FS, ACL) the blob is byte-copied.
// Callers must not assume the result shares storage with the archive.
func (s *Store) LinkOrCopy(digest, dst string) error {
	src, err := s.Path(digest)
	if err != nil {
		return err
	}
	if !s.Has(digest) {
		return errors.NewNotFoundf("blob %s", digest)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "create target directory")
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open blob for copy")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create copy target")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return errors.Wrap(err, "copy blob")
	}
	return nil
}

// Verify re-hashes the blob and quarantines it (moves it to
// <root>/quarantine/) when the content does not match its filename.
// Returns true when the blob is intact.
func (s *Store) Verify(digest string) (bool, error) {
	path, err := s.Path(digest)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, errors.NewNotFoundf("blob %s", digest)
		}
		return false, errors.Wrap(err, "open blob")
	}

	h := sha256.New()
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return false, errors.Wrap(err, "hash blob")
	}

	if hex.EncodeToString(h.Sum(nil)) == digest {
		return true, nil
	}

	quarantineDir := filepath.Join(s.root, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return false, errors.Wrap(err, "create quarantine directory")
	}
	if err := os.Rename(path, filepath.Join(quarantineDir, digest)); err != nil {
		return false, errors.Wrap(err, "quarantine corrupt blob")
	}
	if s.logger != nil {
		s.logger.Warnw("Quarantined corrupt blob", "digest", digest)
	}
	return false, nil
}

// GCResult summarizes a garbage-collection sweep.
type GCResult struct {
	Scanned        int   `json:"scanned"`
	Deleted        int   `json:"deleted"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	DryRun         bool  `json:"dry_run"`
}

// GC walks the store and deletes blobs whose digest is absent from liveSet.
// liveSet is built by scanning every run's assets.json under the storage root,
// recycle bin included. With dryRun set, nothing is deleted and the result
// reports what a sweep would reclaim.
func (s *Store) GC(liveSet map[string]bool, dryRun bool) (*GCResult, error) {
	result := &GCResult{DryRun: dryRun}
	shardRoot := filepath.Join(s.root, "sha256")

	err := filepath.Walk(shardRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".put-") {
			return nil
		}

		rel, err := filepath.Rel(shardRoot, path)
		if err != nil {
			return err
		}
		digest := strings.Join(strings.Split(filepath.ToSlash(rel), "/"), "")
		if !digestRe.MatchString(digest) {
			return nil
		}

		result.Scanned++
		if liveSet[digest] {
			return nil
		}

		result.Deleted++
		result.ReclaimedBytes += info.Size()
		if dryRun {
			return nil
		}
		return os.Remove(path)
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk archive")
	}

	if s.logger != nil && !dryRun && result.Deleted > 0 {
		s.logger.Infow("Blob GC complete",
			"scanned", result.Scanned,
			"deleted", result.Deleted,
			"reclaimed_bytes", result.ReclaimedBytes,
		)
	}
	return result, nil
}

// cleanupTemp removes temp files left by interrupted puts.
func (s *Store) cleanupTemp() int {
	removed := 0
	matches, _ := filepath.Glob(filepath.Join(s.root, "sha256", ".put-*"))
	for _, m := range matches {
		if os.Remove(m) == nil {
			removed++
		}
	}
	return removed
}
