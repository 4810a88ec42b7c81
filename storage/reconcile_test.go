package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtesting "github.com/runicorn/runicorn/internal/testing"
)

func TestReconcileMirrorsFilesystem(t *testing.T) {
	root := t.TempDir()
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	makeRun(t, root, "team/a", "20250101_120000_abc123",
		&Meta{RunID: "20250101_120000_abc123", Path: "team/a", CreatedAt: 1000, Hostname: "box1"},
		&StatusFile{Status: StatusRunning, StartedAt: 1000, UpdatedAt: 1100})
	makeRun(t, root, "team/b", "20250102_120000_def456",
		&Meta{RunID: "20250102_120000_def456", Path: "team/b", CreatedAt: 2000},
		&StatusFile{Status: StatusFinished, StartedAt: 2000, EndedAt: 2600, UpdatedAt: 2600})

	// A stale mirror row whose directory no longer exists.
	require.NoError(t, store.Upsert(ctx, testRun("20250103_120000_aaa111", "gone", StatusFinished, 3000)))

	r := &Reconciler{Root: root, Store: store}
	result, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Discovered)
	assert.Equal(t, 2, result.Upserted)
	assert.Equal(t, 1, result.Removed)

	got, err := store.Get(ctx, "20250102_120000_def456")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 600.0, *got.DurationSeconds)

	_, err = store.Get(ctx, "20250103_120000_aaa111")
	assert.Error(t, err)
}

func TestReconcileRejectsRunIDMismatch(t *testing.T) {
	root := t.TempDir()
	store := NewRunStore(rtesting.CreateTestDB(t))

	// meta.json claiming a different run_id than its directory.
	makeRun(t, root, "team/a", "20250101_120000_abc123",
		&Meta{RunID: "20250102_120000_def456", Path: "team/a", CreatedAt: 1000}, nil)

	r := &Reconciler{Root: root, Store: store}
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discovered)
	assert.Equal(t, 0, result.Upserted)
}

func TestReconcileUsesMetricStatsCallback(t *testing.T) {
	root := t.TempDir()
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	makeRun(t, root, "team/a", "20250101_120000_abc123",
		&Meta{RunID: "20250101_120000_abc123", Path: "team/a", CreatedAt: 1000}, nil)

	r := &Reconciler{
		Root:  root,
		Store: store,
		MetricStats: func(dir RunDir) (int64, *BestMetric, bool) {
			return 42, &BestMetric{Name: "acc", Value: 0.9, Step: 7, Mode: ModeMax}, true
		},
	}
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.MetricCount)
	assert.Equal(t, "acc", got.BestMetricName)
	require.NotNil(t, got.BestMetricValue)
	assert.Equal(t, 0.9, *got.BestMetricValue)
}
