package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtesting "github.com/runicorn/runicorn/internal/testing"
)

func testRun(id, path, status string, createdAt float64) *Run {
	return &Run{
		RunID:     id,
		Path:      path,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Status:    status,
		RunDir:    "/tmp/" + path + "/" + id,
	}
}

func TestUpsertAndGet(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	run := testRun("20250101_120000_abc123", "team/exp", StatusRunning, 1000)
	run.Hostname = "trainbox"
	require.NoError(t, store.Upsert(ctx, run))

	got, err := store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "team/exp", got.Path)
	assert.Equal(t, "trainbox", got.Hostname)
	assert.Equal(t, StatusRunning, got.Status)

	// Upsert again with new status; row updated, not duplicated.
	run.Status = StatusFinished
	require.NoError(t, store.Upsert(ctx, run))

	got, err = store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)

	_, err = store.Get(ctx, "20991231_235959_ffffff")
	assert.Error(t, err)
}

func TestUpsertPreservesDeletedAt(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	run := testRun("20250101_120000_abc123", "team/exp", StatusFinished, 1000)
	require.NoError(t, store.Upsert(ctx, run))

	n, err := store.SoftDelete(ctx, []string{run.RunID}, "user request")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Reconciliation re-upserts from disk; the soft delete must survive.
	require.NoError(t, store.Upsert(ctx, run))

	got, err := store.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())
	assert.Equal(t, "user request", got.DeleteReason)
}

func TestSoftDeleteIdempotent(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	run := testRun("20250101_120000_abc123", "team/exp", StatusFinished, 1000)
	require.NoError(t, store.Upsert(ctx, run))

	_, err := store.SoftDelete(ctx, []string{run.RunID}, "first")
	require.NoError(t, err)
	first, err := store.Get(ctx, run.RunID)
	require.NoError(t, err)

	_, err = store.SoftDelete(ctx, []string{run.RunID}, "second")
	require.NoError(t, err)
	second, err := store.Get(ctx, run.RunID)
	require.NoError(t, err)

	// First deletion timestamp and reason stick.
	assert.Equal(t, first.DeletedAt, second.DeletedAt)
	assert.Equal(t, "first", second.DeleteReason)
}

func TestListFilters(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	runs := []*Run{
		testRun("20250101_120000_abc123", "team/vision", StatusRunning, 1000),
		testRun("20250102_120000_def456", "team/vision", StatusFinished, 2000),
		testRun("20250103_120000_aaa111", "team/nlp", StatusFailed, 3000),
	}
	require.NoError(t, store.UpsertBatch(ctx, runs))
	_, err := store.SoftDelete(ctx, []string{"20250103_120000_aaa111"}, "")
	require.NoError(t, err)

	// Default excludes deleted; newest first.
	got, total, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, "20250102_120000_def456", got[0].RunID)

	got, total, err = store.List(ctx, ListFilter{Path: "team/vision", Status: StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "20250101_120000_abc123", got[0].RunID)

	_, total, err = store.List(ctx, ListFilter{Deleted: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = store.List(ctx, ListFilter{Deleted: "all"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	got, _, err = store.List(ctx, ListFilter{Search: "nlp", Deleted: "all"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "team/nlp", got[0].Path)
}

func TestListPagination(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	var runs []*Run
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("2025010%d_120000_abc12%d", i+1, i)
		runs = append(runs, testRun(id, "p", StatusFinished, float64(1000+i)))
	}
	require.NoError(t, store.UpsertBatch(ctx, runs))

	got, total, err := store.List(ctx, ListFilter{Page: 2, PerPage: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, got, 3)
	// Page 2 of newest-first: the 4th..6th newest.
	assert.Equal(t, "20250104_120000_abc123", got[0].RunID)
}

func TestMarkInterruptedOnlyFromRunning(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	running := testRun("20250101_120000_abc123", "p", StatusRunning, 1000)
	finished := testRun("20250102_120000_def456", "p", StatusFinished, 2000)
	require.NoError(t, store.UpsertBatch(ctx, []*Run{running, finished}))

	require.NoError(t, store.MarkInterrupted(ctx, running.RunID))
	require.NoError(t, store.MarkInterrupted(ctx, finished.RunID))

	got, err := store.Get(ctx, running.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, got.Status)
	assert.Greater(t, got.EndedAt, 0.0)

	got, err = store.Get(ctx, finished.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
}

func TestPathStatsAndTree(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.UpsertBatch(ctx, []*Run{
		testRun("20250101_120000_abc123", "team/vision", StatusRunning, 1000),
		testRun("20250102_120000_def456", "team/vision", StatusFinished, 2000),
		testRun("20250103_120000_aaa111", "team/nlp/bert", StatusFailed, 3000),
		testRun("20250104_120000_bbb222", "solo", StatusFinished, 4000),
	}))

	stats, err := store.PathStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	tree := BuildPathTree(stats)
	require.Len(t, tree, 2) // solo, team

	var team *PathNode
	for _, n := range tree {
		if n.Name == "team" {
			team = n
		}
	}
	require.NotNil(t, team)
	assert.Equal(t, 0, team.RunCount)
	assert.Equal(t, 3, team.TotalRuns)
	require.Len(t, team.Children, 2)
	assert.Equal(t, "nlp", team.Children[0].Name)
	assert.Equal(t, 1, team.Children[0].TotalRuns)
	assert.Equal(t, "vision", team.Children[1].Name)
	assert.Equal(t, 2, team.Children[1].RunCount)
}

func TestUpsertMetricPointsAndLatest(t *testing.T) {
	store := NewRunStore(rtesting.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, testRun("20250101_120000_abc123", "team/vision", StatusRunning, 1000)))

	v1, v2 := 0.4, 0.7
	require.NoError(t, store.UpsertMetricPoints(ctx, "20250101_120000_abc123", []MetricPoint{
		{TS: 1.0, Name: "acc", Value: &v1, Step: 1, Stage: "train"},
		{TS: 2.0, Name: "acc", Value: &v2, Step: 2, Stage: "train"},
		{TS: 2.0, Name: "lr", Value: nil, Step: 2},
	}))

	latest, err := store.LatestMetrics(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	require.Contains(t, latest, "acc")
	require.NotNil(t, latest["acc"])
	assert.Equal(t, 0.7, *latest["acc"])
	require.Contains(t, latest, "lr")
	assert.Nil(t, latest["lr"])

	// Re-mirroring the same sample is idempotent.
	require.NoError(t, store.UpsertMetricPoints(ctx, "20250101_120000_abc123", []MetricPoint{
		{TS: 2.0, Name: "acc", Value: &v2, Step: 2, Stage: "train"},
	}))
	latest, err = store.LatestMetrics(ctx, "20250101_120000_abc123")
	require.NoError(t, err)
	assert.Equal(t, 0.7, *latest["acc"])
}
