package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRunID = "20250101_120000_abc123"

func makeRun(t *testing.T, root, path, runID string, meta *Meta, status *StatusFile) RunDir {
	t.Helper()
	rd := RunDir{Root: root, Path: path, RunID: runID}
	require.NoError(t, os.MkdirAll(rd.Dir(), 0o755))

	if meta == nil {
		meta = &Meta{RunID: runID, Path: path, CreatedAt: 1000}
	}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rd.File(MetaFile), data, 0o644))

	if status != nil {
		require.NoError(t, rd.WriteStatus(status))
	}
	return rd
}

func TestReadStatusMissingFileIsRunning(t *testing.T) {
	rd := makeRun(t, t.TempDir(), "proj/exp", testRunID, nil, nil)
	status, err := rd.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)
}

func TestWriteStatusRoundTrip(t *testing.T) {
	rd := makeRun(t, t.TempDir(), "proj/exp", testRunID, nil, nil)
	want := &StatusFile{
		Status:     StatusFinished,
		StartedAt:  1000,
		EndedAt:    1600,
		UpdatedAt:  1600,
		BestMetric: &BestMetric{Name: "acc", Value: 0.93, Step: 40, Mode: ModeMax},
	}
	require.NoError(t, rd.WriteStatus(want))

	got, err := rd.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFoldedSummaryOverlaysEvents(t *testing.T) {
	rd := makeRun(t, t.TempDir(), "proj/exp", testRunID, nil, nil)

	require.NoError(t, os.WriteFile(rd.File(SummaryFile),
		[]byte(`{"lr": 0.01, "epochs": 10}`), 0o644))

	events := `{"type":"summary","ts":1.0,"update":{"lr": 0.001}}` + "\n" +
		`{"type":"summary","ts":2.0,"update":{"final_acc": 0.9}}` + "\n"
	require.NoError(t, os.WriteFile(rd.File(EventsFile), []byte(events), 0o644))

	summary, err := rd.FoldedSummary()
	require.NoError(t, err)
	assert.JSONEq(t, `0.001`, string(summary["lr"])) // later event wins
	assert.JSONEq(t, `10`, string(summary["epochs"]))
	assert.JSONEq(t, `0.9`, string(summary["final_acc"]))
}

func TestDiscoverRunsSkipsReservedRoots(t *testing.T) {
	root := t.TempDir()
	makeRun(t, root, "team/a", "20250101_120000_abc123", nil, nil)
	makeRun(t, root, "team/b", "20250102_120000_def456", nil, nil)

	// A run-shaped directory under archive/ must not be discovered.
	archived := filepath.Join(root, ArchiveDirName, "20250103_120000_aaaaaa")
	require.NoError(t, os.MkdirAll(archived, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archived, MetaFile), []byte(`{}`), 0o644))

	runs, err := DiscoverRuns(root, false)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	ids := map[string]string{}
	for _, r := range runs {
		ids[r.RunID] = r.Path
	}
	assert.Equal(t, "team/a", ids["20250101_120000_abc123"])
	assert.Equal(t, "team/b", ids["20250102_120000_def456"])
}

func TestDiscoverRunsRequiresMeta(t *testing.T) {
	root := t.TempDir()
	// Directory named like a run but without meta.json.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj", testRunID), 0o755))

	runs, err := DiscoverRuns(root, false)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
