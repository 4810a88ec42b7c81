package storage

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
)

// MetricStatsFunc lets the reconciler ask the metrics engine for per-run
// derived state without a package cycle. ok=false means "unknown, keep the
// mirrored value".
type MetricStatsFunc func(dir RunDir) (count int64, best *BestMetric, ok bool)

// Reconciler rebuilds the SQLite mirror from the filesystem. It runs at
// startup and on every watcher tick; the mirror is a cache and every pass
// must be safe to repeat.
type Reconciler struct {
	Root        string
	Store       *RunStore
	MetricStats MetricStatsFunc
	Logger      *zap.SugaredLogger
}

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Discovered int `json:"discovered"`
	Upserted   int `json:"upserted"`
	Removed    int `json:"removed"`
}

// Reconcile walks the storage root, upserts experiments rows from
// meta.json/status.json, and deletes rows whose directory has vanished.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	dirs, err := DiscoverRuns(r.Root, true)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Discovered: len(dirs)}
	present := make(map[string]bool, len(dirs))
	runs := make([]*Run, 0, len(dirs))

	for _, dir := range dirs {
		run, err := r.buildRun(dir)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warnw("Skipping unreadable run directory",
					"run_id", dir.RunID,
					"dir", dir.Dir(),
					"error", err,
				)
			}
			continue
		}
		present[run.RunID] = true
		runs = append(runs, run)
	}

	if err := r.Store.UpsertBatch(ctx, runs); err != nil {
		return nil, err
	}
	result.Upserted = len(runs)

	// Drop rows whose on-disk directory no longer exists.
	mirrored, err := r.Store.AllIDs(ctx)
	if err != nil {
		return nil, err
	}
	var vanished []string
	for id := range mirrored {
		if !present[id] {
			vanished = append(vanished, id)
		}
	}
	if err := r.Store.DeleteRows(ctx, vanished); err != nil {
		return nil, err
	}
	result.Removed = len(vanished)

	if r.Logger != nil && (result.Upserted > 0 || result.Removed > 0) {
		r.Logger.Debugw("Reconciliation pass complete",
			"discovered", result.Discovered,
			"upserted", result.Upserted,
			"removed", result.Removed,
		)
	}
	return result, nil
}

// buildRun assembles an experiments row from a run directory.
func (r *Reconciler) buildRun(dir RunDir) (*Run, error) {
	meta, err := dir.ReadMeta()
	if err != nil {
		return nil, err
	}
	status, err := dir.ReadStatus()
	if err != nil {
		return nil, err
	}

	if meta.RunID != dir.RunID {
		return nil, errors.Newf("meta.json run_id %q does not match directory %q", meta.RunID, dir.RunID)
	}

	run := &Run{
		RunID:         meta.RunID,
		Path:          meta.EffectivePath(),
		Alias:         meta.Alias,
		CreatedAt:     meta.CreatedAt,
		UpdatedAt:     status.UpdatedAt,
		StartedAt:     status.StartedAt,
		EndedAt:       status.EndedAt,
		Status:        status.Status,
		PID:           meta.PID,
		Hostname:      meta.Hostname,
		PythonVersion: meta.PythonVersion,
		Platform:      meta.Platform,
		RunDir:        dir.Dir(),
	}

	if run.UpdatedAt == 0 {
		// Fall back to the status.json mtime so zombie detection still works
		// for writers that omit the heartbeat field.
		if info, err := os.Stat(dir.File(StatusFileName)); err == nil {
			run.UpdatedAt = float64(info.ModTime().UnixNano()) / 1e9
		}
	}

	if status.BestMetric != nil {
		run.BestMetricName = status.BestMetric.Name
		run.BestMetricValue = &status.BestMetric.Value
		run.BestMetricStep = &status.BestMetric.Step
		run.BestMetricMode = status.BestMetric.Mode
	} else if meta.PrimaryMetric != nil {
		run.BestMetricName = meta.PrimaryMetric.Name
		run.BestMetricMode = meta.PrimaryMetric.Mode
	}

	if run.EndedAt > 0 && run.StartedAt > 0 && run.EndedAt >= run.StartedAt {
		d := run.EndedAt - run.StartedAt
		run.DurationSeconds = &d
	}

	if r.MetricStats != nil {
		if count, best, ok := r.MetricStats(dir); ok {
			run.MetricCount = count
			if best != nil {
				run.BestMetricName = best.Name
				run.BestMetricValue = &best.Value
				run.BestMetricStep = &best.Step
				run.BestMetricMode = best.Mode
			}
		}
	}

	return run, nil
}
