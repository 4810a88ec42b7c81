package server

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/runicorn/runicorn/config"
	"github.com/runicorn/runicorn/db"
	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/storage"
)

// handleStorageStats reports run counts, mirror size, and blob store usage.
func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	var live, deleted int
	err := db.WithBusyRetry(r.Context(), func() error {
		_, liveTotal, innerErr := s.store.List(r.Context(), storage.ListFilter{PerPage: 1})
		if innerErr != nil {
			return innerErr
		}
		_, deletedTotal, innerErr := s.store.List(r.Context(), storage.ListFilter{PerPage: 1, Deleted: "1"})
		if innerErr != nil {
			return innerErr
		}
		live, deleted = liveTotal, deletedTotal
		return nil
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	var dbSize int64
	if info, statErr := os.Stat(filepath.Join(s.root, storage.MirrorDBName)); statErr == nil {
		dbSize = info.Size()
	}

	blobCount, blobBytes := blobUsage(s.blobs.Root())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"storage_root": s.root,
		"runs":         live,
		"deleted_runs": deleted,
		"db_bytes":     dbSize,
		"blob_count":   blobCount,
		"blob_bytes":   blobBytes,
	})
}

// blobUsage walks the content-addressed store. Hardlinked blobs count once
// because each digest has exactly one entry.
func blobUsage(root string) (count int, bytes int64) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			count++
			bytes += info.Size()
		}
		return nil
	})
	return count, bytes
}

// handleStorageGC sweeps unreferenced blobs. dry_run=true reports what would
// be reclaimed without deleting.
func (s *Server) handleStorageGC(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	liveSet, err := storage.BuildLiveSet(s.root)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := s.blobs.GC(liveSet, dryRun)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dry_run": dryRun,
		"result":  result,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":      s.cfg,
		"config_path": config.UserConfigPath(),
	})
}

// handlePutConfig merges the submitted top-level sections into the user
// config file. Changes take effect on the next viewer start; the running
// process keeps its loaded settings.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if !readJSON(w, r, &patch) {
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty config patch", "")
		return
	}

	path := config.UserConfigPath()
	if path == "" {
		writeErrorFrom(w, errors.New("cannot determine user config directory"))
		return
	}

	current := map[string]interface{}{}
	if data, readErr := os.ReadFile(path); readErr == nil {
		if err := yaml.Unmarshal(data, &current); err != nil {
			writeErrorFrom(w, errors.Wrap(err, "parse existing config"))
			return
		}
	}
	for section, value := range patch {
		current[section] = value
	}

	out, err := yaml.Marshal(current)
	if err != nil {
		writeErrorFrom(w, errors.Wrap(err, "encode config"))
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), config.DefaultDirPermissions); err != nil {
		writeErrorFrom(w, errors.Wrap(err, "create config directory"))
		return
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		writeErrorFrom(w, errors.Wrap(err, "write config"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config_path":      path,
		"restart_required": true,
	})
}
