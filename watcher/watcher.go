// Package watcher keeps the SQLite mirror warm: periodic filesystem
// reconciliation, zombie detection for stale running runs, and recycle-bin
// retention cleanup.
package watcher

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/runicorn/runicorn/metrics"
	"github.com/runicorn/runicorn/storage"
)

// Defaults for the watcher's timing knobs.
const (
	DefaultScanInterval     = 30 * time.Second
	DefaultZombieThreshold  = 48 * time.Hour
	DefaultRecycleRetention = 30 * 24 * time.Hour
)

// Watcher runs the background maintenance loop. A single goroutine performs
// all passes; writeLock is the process-local advisory lock taken around every
// SQLite write batch.
type Watcher struct {
	Root       string
	Store      *storage.RunStore
	Reconciler *storage.Reconciler
	Engine     *metrics.Engine
	Bin        *storage.RecycleBin
	Logger     *zap.SugaredLogger

	ScanInterval     time.Duration
	ZombieThreshold  time.Duration
	RecycleRetention time.Duration

	writeLock sync.Mutex

	// Overridable for tests.
	pidAlive     func(pid int32) bool
	hostname     string
	listPageSize int
}

// New assembles a watcher with defaulted intervals.
func New(root string, store *storage.RunStore, rec *storage.Reconciler, engine *metrics.Engine, bin *storage.RecycleBin, logger *zap.SugaredLogger) *Watcher {
	host, _ := os.Hostname()
	return &Watcher{
		Root:             root,
		Store:            store,
		Reconciler:       rec,
		Engine:           engine,
		Bin:              bin,
		Logger:           logger,
		ScanInterval:     DefaultScanInterval,
		ZombieThreshold:  DefaultZombieThreshold,
		RecycleRetention: DefaultRecycleRetention,
		pidAlive: func(pid int32) bool {
			alive, err := process.PidExists(pid)
			return err == nil && alive
		},
		hostname:     host,
		listPageSize: 1000,
	}
}

// Run blocks until ctx is done, executing one pass immediately and then one
// per scan interval. Filesystem notifications on the storage root trigger an
// early pass; they are an optimisation only, the periodic scan is what
// correctness rests on.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	notify := w.watchRoot(ctx)

	w.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Pass(ctx)
		case <-notify:
			w.Pass(ctx)
		}
	}
}

func (w *Watcher) interval() time.Duration {
	if w.ScanInterval > 0 {
		return w.ScanInterval
	}
	return DefaultScanInterval
}

// watchRoot starts an fsnotify watcher over the storage root, returning a
// debounced signal channel. Failure to watch is logged and degrades to
// polling only.
func (w *Watcher) watchRoot(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warnw("Filesystem notifications unavailable, polling only", "error", err)
		}
		return out
	}
	if err := fsw.Add(w.Root); err != nil {
		if w.Logger != nil {
			w.Logger.Warnw("Cannot watch storage root, polling only", "root", w.Root, "error", err)
		}
		fsw.Close()
		return out
	}

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce bursts of directory churn.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case out <- struct{}{}:
					default:
					}
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				if w.Logger != nil {
					w.Logger.Warnw("Filesystem watcher error", "error", err)
				}
			}
		}
	}()
	return out
}

// Pass runs one full maintenance cycle: reconcile, zombie sweep, best-metric
// sync, retention cleanup.
func (w *Watcher) Pass(ctx context.Context) {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	if _, err := w.Reconciler.Reconcile(ctx); err != nil {
		if w.Logger != nil {
			w.Logger.Errorw("Reconciliation failed", "error", err)
		}
		return
	}
	if err := w.sweepZombies(ctx); err != nil && w.Logger != nil {
		w.Logger.Errorw("Zombie sweep failed", "error", err)
	}
	if err := w.syncBestMetrics(ctx); err != nil && w.Logger != nil {
		w.Logger.Errorw("Best-metric sync failed", "error", err)
	}
	if w.Bin != nil && w.RecycleRetention > 0 {
		if _, err := w.Bin.PurgeExpired(ctx, w.RecycleRetention); err != nil && w.Logger != nil {
			w.Logger.Errorw("Recycle-bin cleanup failed", "error", err)
		}
	}
}

// listRunning pages through every running run; the sweep must not silently
// cap out on large installations.
func (w *Watcher) listRunning(ctx context.Context, deleted string) ([]*storage.Run, error) {
	perPage := w.listPageSize
	if perPage <= 0 {
		perPage = 1000
	}
	var all []*storage.Run
	for page := 1; ; page++ {
		runs, _, err := w.Store.List(ctx, storage.ListFilter{
			Status: storage.StatusRunning, Deleted: deleted, Page: page, PerPage: perPage,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, runs...)
		if len(runs) < perPage {
			return all, nil
		}
	}
}

// sweepZombies transitions running runs to interrupted when their heartbeat
// is older than the zombie threshold, or when the recorded PID is dead and
// the run was started on this host. The transition is written through to
// status.json so the next reconcile pass does not flip the run back.
func (w *Watcher) sweepZombies(ctx context.Context) error {
	threshold := w.ZombieThreshold
	if threshold <= 0 {
		threshold = DefaultZombieThreshold
	}
	cutoff := float64(time.Now().Add(-threshold).UnixNano()) / 1e9

	running, err := w.listRunning(ctx, "all")
	if err != nil {
		return err
	}

	for _, run := range running {
		stale := run.UpdatedAt > 0 && run.UpdatedAt < cutoff
		pidDead := false
		// PID liveness only means something on the machine the run started on.
		if !stale && run.PID > 0 && run.Hostname != "" && run.Hostname == w.hostname {
			pidDead = !w.pidAlive(run.PID)
		}
		if !stale && !pidDead {
			continue
		}

		if err := w.Store.MarkInterrupted(ctx, run.RunID); err != nil {
			return err
		}
		w.writeInterruptedStatus(run)
		reason := "heartbeat timeout"
		if pidDead {
			reason = "process dead"
		}
		if w.Logger != nil {
			w.Logger.Infow("Marked stale run as interrupted",
				"run_id", run.RunID,
				"reason", reason,
				"updated_at", run.UpdatedAt,
			)
		}
	}
	return nil
}

// writeInterruptedStatus persists the interrupted transition to status.json,
// the authoritative store the reconciler reads. Without it the mirror update
// would be undone on the next pass.
func (w *Watcher) writeInterruptedStatus(run *storage.Run) {
	dir := storage.RunDir{Root: w.Root, Path: run.Path, RunID: run.RunID}
	status, err := dir.ReadStatus()
	if err != nil || status.Status != storage.StatusRunning {
		return
	}
	status.Status = storage.StatusInterrupted
	if status.EndedAt == 0 {
		status.EndedAt = float64(time.Now().UnixNano()) / 1e9
	}
	if err := dir.WriteStatus(status); err != nil && w.Logger != nil {
		w.Logger.Warnw("Cannot persist interrupted status", "run_id", run.RunID, "error", err)
	}
}

// syncBestMetrics refreshes best-metric state for runs still marked running.
func (w *Watcher) syncBestMetrics(ctx context.Context) error {
	if w.Engine == nil {
		return nil
	}
	running, err := w.listRunning(ctx, "")
	if err != nil {
		return err
	}
	for _, run := range running {
		dir := storage.RunDir{Root: w.Root, Path: run.Path, RunID: run.RunID}
		if err := w.Engine.SyncBest(ctx, dir, w.Store); err != nil && w.Logger != nil {
			w.Logger.Warnw("Best-metric sync failed for run", "run_id", run.RunID, "error", err)
		}
	}
	return nil
}
