package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/runicorn/runicorn/errors"
)

// Well-known files inside a run directory.
const (
	MetaFile       = "meta.json"
	StatusFileName = "status.json"
	SummaryFile    = "summary.json"
	EventsFile     = "events.jsonl"
	LogsFile       = "logs.txt"
	AssetsFile     = "assets.json"
	MediaDir       = "media"
)

// Reserved top-level entries under the storage root that are not run paths.
const (
	ArchiveDirName    = "archive"
	RecycleBinDirName = "recycle_bin"
	MirrorDBName      = "runicorn.db"
)

// RunDir locates a run's directory and files on disk.
type RunDir struct {
	Root  string // storage root
	Path  string // hierarchical run path (forward slashes)
	RunID string
}

// Dir returns the absolute run directory.
func (d RunDir) Dir() string {
	return filepath.Join(d.Root, filepath.FromSlash(d.Path), d.RunID)
}

// File returns the absolute path of a well-known file in the run directory.
func (d RunDir) File(name string) string {
	return filepath.Join(d.Dir(), name)
}

// ReadMeta reads and validates meta.json.
func (d RunDir) ReadMeta() (*Meta, error) {
	var meta Meta
	if err := readJSONFile(d.File(MetaFile), &meta); err != nil {
		return nil, err
	}
	if meta.RunID == "" {
		meta.RunID = d.RunID
	}
	return &meta, nil
}

// ReadStatus reads status.json. A missing file yields a zero-value running
// status; writers create it at init but the viewer tolerates its absence.
func (d RunDir) ReadStatus() (*StatusFile, error) {
	var status StatusFile
	err := readJSONFile(d.File(StatusFileName), &status)
	if errors.IsNotFound(err) {
		return &StatusFile{Status: StatusRunning}, nil
	}
	if err != nil {
		return nil, err
	}
	if status.Status == "" {
		status.Status = StatusRunning
	}
	return &status, nil
}

// WriteStatus atomically rewrites status.json (write-to-temp, fsync, rename).
// This is the one exception to the viewer's read-only stance on run
// directories: best-metric tracking and the zombie sweep write through here.
func (d RunDir) WriteStatus(status *StatusFile) error {
	return writeJSONFileAtomic(d.File(StatusFileName), status)
}

// ReadSummaryFile reads summary.json. Missing file yields an empty object.
func (d RunDir) ReadSummaryFile() (map[string]json.RawMessage, error) {
	summary := map[string]json.RawMessage{}
	err := readJSONFile(d.File(SummaryFile), &summary)
	if errors.IsNotFound(err) {
		return summary, nil
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// FoldedSummary returns summary.json overlaid with every type="summary"
// event update in file order. Later updates win per key.
func (d RunDir) FoldedSummary() (map[string]json.RawMessage, error) {
	summary, err := d.ReadSummaryFile()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(d.File(EventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return nil, errors.Wrap(err, "open events")
	}
	defer f.Close()

	_, _, err = ReadEvents(f, func(ev *Event) {
		if ev.Summary == nil {
			return
		}
		for k, v := range ev.Summary.Update {
			summary[k] = v
		}
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Exists reports whether the run directory holds a meta.json.
func (d RunDir) Exists() bool {
	_, err := os.Stat(d.File(MetaFile))
	return err == nil
}

// DiscoverRuns walks the storage root and returns every run directory found,
// identified by a directory whose name matches the run ID pattern and which
// contains a meta.json. Reserved roots (archive, recycle bin, the mirror db)
// are skipped; includeRecycleBin adds tombstoned runs from the recycle bin.
func DiscoverRuns(root string, includeRecycleBin bool) ([]RunDir, error) {
	var runs []RunDir

	walk := func(base string) error {
		return filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				// A concurrently deleted directory is not an error.
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !info.IsDir() {
				return nil
			}
			name := info.Name()
			if path != base && base == root {
				rel, _ := filepath.Rel(root, path)
				top := strings.Split(filepath.ToSlash(rel), "/")[0]
				if top == ArchiveDirName || top == RecycleBinDirName {
					return filepath.SkipDir
				}
			}
			if !RunIDPattern.MatchString(name) {
				return nil
			}

			parent, err := filepath.Rel(base, filepath.Dir(path))
			if err != nil {
				return err
			}
			rd := RunDir{Root: base, Path: filepath.ToSlash(parent), RunID: name}
			if rd.Exists() {
				runs = append(runs, rd)
			}
			return filepath.SkipDir // don't descend into run directories
		})
	}

	if err := walk(root); err != nil {
		return nil, errors.Wrap(err, "walk storage root")
	}
	if includeRecycleBin {
		binRoot := filepath.Join(root, RecycleBinDirName)
		if _, err := os.Stat(binRoot); err == nil {
			if err := walk(binRoot); err != nil {
				return nil, errors.Wrap(err, "walk recycle bin")
			}
		}
	}
	return runs, nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundf("%s", filepath.Base(path))
		}
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func writeJSONFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmpName, path), "rename into place")
}
