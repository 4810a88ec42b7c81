package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/runicorn/runicorn/assets"
	"github.com/runicorn/runicorn/db"
	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/storage"
	"github.com/runicorn/runicorn/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"version": version.Get().Version,
	})
}

// runDir resolves a validated run id to its directory via the mirror row.
// Validation happens before any disk or database access.
func (s *Server) runDir(r *http.Request) (storage.RunDir, *storage.Run, error) {
	id := r.PathValue("id")
	if err := storage.ValidateRunID(id); err != nil {
		return storage.RunDir{}, nil, err
	}

	var run *storage.Run
	err := db.WithBusyRetry(r.Context(), func() error {
		var innerErr error
		run, innerErr = s.store.Get(r.Context(), id)
		return innerErr
	})
	if err != nil {
		return storage.RunDir{}, nil, err
	}
	return storage.RunDir{Root: s.root, Path: run.Path, RunID: run.RunID}, run, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if path := q.Get("path"); path != "" {
		if err := storage.ValidatePath(path); err != nil {
			writeErrorFrom(w, err)
			return
		}
	}

	filter := storage.ListFilter{
		Path:    q.Get("path"),
		Status:  q.Get("status"),
		Deleted: q.Get("deleted"),
		Search:  q.Get("search"),
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	var runs []*storage.Run
	var total int
	err := db.WithBusyRetry(r.Context(), func() error {
		var innerErr error
		runs, total, innerErr = s.store.List(r.Context(), filter)
		return innerErr
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": total,
	})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	dir, run, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	summary, err := dir.FoldedSummary()
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("Summary unreadable", "run_id", run.RunID, "error", err)
		}
		summary = nil
	}
	status, err := dir.ReadStatus()
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	manifest, err := assets.ReadRunManifest(dir.File(storage.AssetsFile))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	// Latest mirrored sample per series; refreshed by the background sync, so
	// at most one scan interval stale.
	var latest map[string]*float64
	err = db.WithBusyRetry(r.Context(), func() error {
		var innerErr error
		latest, innerErr = s.store.LatestMetrics(r.Context(), run.RunID)
		return innerErr
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":            run,
		"status":         status,
		"summary":        summary,
		"assets_count":   len(manifest.Assets),
		"latest_metrics": latest,
	})
}

type softDeleteRequest struct {
	RunIDs []string `json:"run_ids"`
	Reason string   `json:"reason,omitempty"`
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	var req softDeleteRequest
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.RunIDs) == 0 {
		writeError(w, http.StatusBadRequest, "run_ids is required", "")
		return
	}

	var deleted, skipped []string
	err := db.WithBusyRetry(r.Context(), func() error {
		var innerErr error
		deleted, skipped, innerErr = s.bin.SoftDelete(r.Context(), req.RunIDs, req.Reason)
		return innerErr
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"skipped": skipped,
	})
}

func (s *Server) handleRecycleBinList(w http.ResponseWriter, r *http.Request) {
	tombstones, err := s.bin.List()
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if tombstones == nil {
		tombstones = []*storage.Tombstone{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": tombstones})
}

func (s *Server) handleRecycleBinRestore(w http.ResponseWriter, r *http.Request) {
	var req softDeleteRequest
	if !readJSON(w, r, &req) {
		return
	}
	restored, skipped, err := s.bin.Restore(r.Context(), req.RunIDs)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"restored": restored,
		"skipped":  skipped,
	})
}

func (s *Server) handleRecycleBinEmpty(w http.ResponseWriter, r *http.Request) {
	result, err := s.bin.Empty(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	summary, err := dir.FoldedSummary()
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRunEvents is a debugging view over the raw event log: counts per
// type plus parse errors.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	counts := map[string]int64{}
	var parseErrors int64

	f, err := os.Open(dir.File(storage.EventsFile))
	if err != nil && !os.IsNotExist(err) {
		writeErrorFrom(w, errors.Wrap(err, "open events"))
		return
	}
	if err == nil {
		defer f.Close()
		_, parseErrors, err = storage.ReadEvents(f, func(ev *storage.Event) {
			counts[ev.Type]++
		})
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts":       counts,
		"parse_errors": parseErrors,
	})
}

func (s *Server) handleRunImages(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	type imageEntry struct {
		TS      float64 `json:"ts"`
		Step    int64   `json:"step"`
		Key     string  `json:"key"`
		Path    string  `json:"path"`
		Caption string  `json:"caption,omitempty"`
	}
	images := []imageEntry{}

	f, err := os.Open(dir.File(storage.EventsFile))
	if err == nil {
		defer f.Close()
		storage.ReadEvents(f, func(ev *storage.Event) {
			if ev.Image == nil {
				return
			}
			images = append(images, imageEntry{
				TS:      ev.Image.TS,
				Step:    ev.Image.Step,
				Key:     ev.Image.Key,
				Path:    ev.Image.Path,
				Caption: ev.Image.Caption,
			})
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": images})
}

func (s *Server) handleRunAssets(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	manifest, err := assets.ReadRunManifest(dir.File(storage.AssetsFile))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// handleRunFile serves a file from inside the run directory. The resolved
// canonical path must stay under the canonical run directory; anything else
// is a 400 regardless of component-wise validation.
func (s *Server) handleRunFile(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	rel := r.PathValue("path")
	if rel == "" || strings.Contains(rel, "..") || strings.Contains(rel, "\\") {
		writeError(w, http.StatusBadRequest, "invalid file path", "")
		return
	}

	canonRoot, err := filepath.EvalSymlinks(dir.Dir())
	if err != nil {
		writeErrorFrom(w, errors.Wrap(err, "resolve run directory"))
		return
	}
	target := filepath.Join(dir.Dir(), filepath.FromSlash(rel))
	canonTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found", "")
			return
		}
		writeErrorFrom(w, errors.Wrap(err, "resolve file path"))
		return
	}
	if canonTarget != canonRoot && !strings.HasPrefix(canonTarget, canonRoot+string(os.PathSeparator)) {
		writeError(w, http.StatusBadRequest, "file path escapes run directory", "")
		return
	}

	http.ServeFile(w, r, canonTarget)
}
