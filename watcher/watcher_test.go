package watcher

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtesting "github.com/runicorn/runicorn/internal/testing"
	"github.com/runicorn/runicorn/metrics"
	"github.com/runicorn/runicorn/storage"
)

func writeRun(t *testing.T, root, path, runID string, meta *storage.Meta, status *storage.StatusFile) storage.RunDir {
	t.Helper()
	rd := storage.RunDir{Root: root, Path: path, RunID: runID}
	require.NoError(t, os.MkdirAll(rd.Dir(), 0o755))

	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rd.File(storage.MetaFile), data, 0o644))
	if status != nil {
		require.NoError(t, rd.WriteStatus(status))
	}
	return rd
}

func newWatcher(t *testing.T, root string) (*Watcher, *storage.RunStore) {
	t.Helper()
	store := storage.NewRunStore(rtesting.CreateTestDB(t))
	engine := metrics.NewEngine(0, nil)
	rec := &storage.Reconciler{Root: root, Store: store, MetricStats: engine.RunStats}
	w := New(root, store, rec, engine, nil, nil)
	return w, store
}

func TestPassReconcilesAndSweepsZombies(t *testing.T) {
	root := t.TempDir()
	now := float64(time.Now().UnixNano()) / 1e9
	stale := now - 72*3600

	writeRun(t, root, "team/fresh", "20250101_120000_abc123",
		&storage.Meta{RunID: "20250101_120000_abc123", Path: "team/fresh", CreatedAt: now},
		&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: now})
	writeRun(t, root, "team/stale", "20250102_120000_def456",
		&storage.Meta{RunID: "20250102_120000_def456", Path: "team/stale", CreatedAt: stale},
		&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: stale})

	w, store := newWatcher(t, root)
	w.ZombieThreshold = 48 * time.Hour
	w.Pass(context.Background())

	ctx := context.Background()
	fresh, err := store.Get(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, fresh.Status)

	zombie, err := store.Get(ctx, "20250102_120000_def456")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInterrupted, zombie.Status)
}

func TestSweptZombieStaysInterruptedAcrossPasses(t *testing.T) {
	root := t.TempDir()
	now := float64(time.Now().UnixNano()) / 1e9
	stale := now - 72*3600

	rd := writeRun(t, root, "team/stale", "20250102_120000_def456",
		&storage.Meta{RunID: "20250102_120000_def456", Path: "team/stale", CreatedAt: stale},
		&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: stale})

	w, store := newWatcher(t, root)
	w.ZombieThreshold = 48 * time.Hour
	ctx := context.Background()
	w.Pass(ctx)

	// The transition lands in status.json, not just the mirror, so the next
	// reconcile pass must not flip the run back to running.
	status, err := rd.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInterrupted, status.Status)
	assert.NotZero(t, status.EndedAt)

	w.Pass(ctx)
	got, err := store.Get(ctx, "20250102_120000_def456")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInterrupted, got.Status)
}

func TestSweepZombiesPagesThroughAllRunning(t *testing.T) {
	root := t.TempDir()
	now := float64(time.Now().UnixNano()) / 1e9
	stale := now - 72*3600

	ids := []string{"20250101_120000_abc123", "20250102_120000_def456", "20250103_120000_aaa111"}
	for i, id := range ids {
		writeRun(t, root, "team/bulk", id,
			&storage.Meta{RunID: id, Path: "team/bulk", CreatedAt: stale + float64(i)},
			&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: stale})
	}

	w, store := newWatcher(t, root)
	w.ZombieThreshold = 48 * time.Hour
	w.listPageSize = 1
	w.Pass(context.Background())

	for _, id := range ids {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusInterrupted, got.Status, id)
	}
}

func TestSweepZombiesChecksPIDOnSameHost(t *testing.T) {
	root := t.TempDir()
	now := float64(time.Now().UnixNano()) / 1e9

	writeRun(t, root, "team/dead", "20250101_120000_abc123",
		&storage.Meta{RunID: "20250101_120000_abc123", Path: "team/dead", CreatedAt: now,
			PID: 12345, Hostname: "thisbox"},
		&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: now})
	writeRun(t, root, "team/elsewhere", "20250102_120000_def456",
		&storage.Meta{RunID: "20250102_120000_def456", Path: "team/elsewhere", CreatedAt: now,
			PID: 12345, Hostname: "otherbox"},
		&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: now})

	w, store := newWatcher(t, root)
	w.hostname = "thisbox"
	w.pidAlive = func(pid int32) bool { return false }
	w.Pass(context.Background())

	ctx := context.Background()
	dead, err := store.Get(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInterrupted, dead.Status)

	// A dead-looking PID on a different host is not evidence.
	elsewhere, err := store.Get(ctx, "20250102_120000_def456")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, elsewhere.Status)
}

func TestPassSyncsBestMetric(t *testing.T) {
	root := t.TempDir()
	now := float64(time.Now().UnixNano()) / 1e9

	rd := writeRun(t, root, "team/a", "20250101_120000_abc123",
		&storage.Meta{RunID: "20250101_120000_abc123", Path: "team/a", CreatedAt: now,
			PrimaryMetric: &storage.PrimaryMetric{Name: "acc", Mode: storage.ModeMax}},
		&storage.StatusFile{Status: storage.StatusRunning, UpdatedAt: now})

	events := `{"type":"metric","ts":1.0,"step":1,"name":"acc","value":0.4,"stage":"train"}` + "\n" +
		`{"type":"metric","ts":2.0,"step":2,"name":"acc","value":0.7,"stage":"train"}` + "\n"
	require.NoError(t, os.WriteFile(rd.File(storage.EventsFile), []byte(events), 0o644))

	w, store := newWatcher(t, root)
	w.Pass(context.Background())

	got, err := store.Get(context.Background(), "20250101_120000_abc123")
	require.NoError(t, err)
	assert.Equal(t, "acc", got.BestMetricName)
	require.NotNil(t, got.BestMetricValue)
	assert.Equal(t, 0.7, *got.BestMetricValue)

	// Latest sample mirrored into the metrics table.
	latest, err := store.LatestMetrics(context.Background(), "20250101_120000_abc123")
	require.NoError(t, err)
	require.NotNil(t, latest["acc"])
	assert.Equal(t, 0.7, *latest["acc"])

	// Write-through landed in status.json as well.
	status, err := rd.ReadStatus()
	require.NoError(t, err)
	require.NotNil(t, status.BestMetric)
	assert.Equal(t, int64(2), status.BestMetric.Step)
}
