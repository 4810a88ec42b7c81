package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/runicorn/runicorn/db"
	"github.com/runicorn/runicorn/storage"
)

func (s *Server) pathStats(r *http.Request) ([]storage.PathStat, error) {
	var stats []storage.PathStat
	err := db.WithBusyRetry(r.Context(), func() error {
		var innerErr error
		stats, innerErr = s.store.PathStats(r.Context())
		return innerErr
	})
	return stats, err
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pathStats(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if stats == nil {
		stats = []storage.PathStat{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paths": stats})
}

func (s *Server) handlePathTree(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pathStats(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	tree := storage.BuildPathTree(stats)
	if tree == nil {
		tree = []*storage.PathNode{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tree": tree})
}

// pathRuns lists all runs under a path, paging through the store.
func (s *Server) pathRuns(r *http.Request, path string) ([]*storage.Run, error) {
	var all []*storage.Run
	page := 1
	for {
		filter := storage.ListFilter{Path: path, Page: page, PerPage: 500}
		var runs []*storage.Run
		err := db.WithBusyRetry(r.Context(), func() error {
			var innerErr error
			runs, _, innerErr = s.store.List(r.Context(), filter)
			return innerErr
		})
		if err != nil {
			return nil, err
		}
		all = append(all, runs...)
		if len(runs) < 500 {
			return all, nil
		}
		page++
	}
}

func requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return "", false
	}
	if err := storage.ValidatePath(path); err != nil {
		writeErrorFrom(w, err)
		return "", false
	}
	return path, true
}

func (s *Server) handlePathRuns(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	runs, err := s.pathRuns(r, path)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":  path,
		"runs":  runs,
		"total": len(runs),
	})
}

type pathSoftDeleteRequest struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

// handlePathSoftDelete moves every live run under a path into the recycle
// bin.
func (s *Server) handlePathSoftDelete(w http.ResponseWriter, r *http.Request) {
	var req pathSoftDeleteRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}
	if err := storage.ValidatePath(req.Path); err != nil {
		writeErrorFrom(w, err)
		return
	}

	runs, err := s.pathRuns(r, req.Path)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.RunID)
	}
	var deleted, skipped []string
	if len(ids) > 0 {
		deleted, skipped, err = s.bin.SoftDelete(r.Context(), ids, req.Reason)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"skipped": skipped,
	})
}

// handlePathExport streams the runs under a path as CSV (default) or JSON.
func (s *Server) handlePathExport(w http.ResponseWriter, r *http.Request) {
	path, ok := requirePath(w, r)
	if !ok {
		return
	}
	runs, err := s.pathRuns(r, path)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Disposition", `attachment; filename="runs.json"`)
		writeJSON(w, http.StatusOK, map[string]interface{}{"path": path, "runs": runs})
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="runs.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{
		"run_id", "path", "alias", "status", "created_at", "updated_at",
		"duration_seconds", "best_metric_name", "best_metric_value",
		"best_metric_step", "metric_count",
	})
	for _, run := range runs {
		cw.Write([]string{
			run.RunID,
			run.Path,
			run.Alias,
			run.Status,
			formatFloat(run.CreatedAt),
			formatFloat(run.UpdatedAt),
			formatFloatPtr(run.DurationSeconds),
			run.BestMetricName,
			formatFloatPtr(run.BestMetricValue),
			formatInt64Ptr(run.BestMetricStep),
			strconv.FormatInt(run.MetricCount, 10),
		})
	}
	cw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}
