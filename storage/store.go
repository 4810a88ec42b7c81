package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/runicorn/runicorn/errors"
)

// MaxUpsertBatch bounds the number of upserts per transaction during
// reconciliation.
const MaxUpsertBatch = 500

// RunStore is the SQLite mirror of the run directories.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store over an open, migrated database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// DB exposes the underlying handle for read-only joins elsewhere.
func (s *RunStore) DB() *sql.DB {
	return s.db
}

const runColumns = `run_id, path, alias, created_at, updated_at, started_at, ended_at, status,
	pid, hostname, python_version, platform,
	best_metric_name, best_metric_value, best_metric_step, best_metric_mode,
	deleted_at, delete_reason, run_dir, duration_seconds, metric_count`

// Upsert inserts or updates one experiments row.
func (s *RunStore) Upsert(ctx context.Context, run *Run) error {
	return s.UpsertBatch(ctx, []*Run{run})
}

// UpsertBatch writes runs in transactions of at most MaxUpsertBatch rows.
// deleted_at is preserved on conflict so reconciliation does not resurrect
// soft-deleted runs.
func (s *RunStore) UpsertBatch(ctx context.Context, runs []*Run) error {
	for start := 0; start < len(runs); start += MaxUpsertBatch {
		end := start + MaxUpsertBatch
		if end > len(runs) {
			end = len(runs)
		}
		if err := s.upsertChunk(ctx, runs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *RunStore) upsertChunk(ctx context.Context, runs []*Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO experiments (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			path = excluded.path,
			alias = excluded.alias,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			status = excluded.status,
			pid = excluded.pid,
			hostname = excluded.hostname,
			python_version = excluded.python_version,
			platform = excluded.platform,
			best_metric_name = excluded.best_metric_name,
			best_metric_value = excluded.best_metric_value,
			best_metric_step = excluded.best_metric_step,
			best_metric_mode = excluded.best_metric_mode,
			run_dir = excluded.run_dir,
			duration_seconds = excluded.duration_seconds,
			metric_count = excluded.metric_count`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	for _, run := range runs {
		_, err := stmt.ExecContext(ctx,
			run.RunID, run.Path, nullStr(run.Alias),
			nullFloat(run.CreatedAt), nullFloat(run.UpdatedAt), nullFloat(run.StartedAt), nullFloat(run.EndedAt),
			run.Status, run.PID, nullStr(run.Hostname), nullStr(run.PythonVersion), nullStr(run.Platform),
			nullStr(run.BestMetricName), run.BestMetricValue, run.BestMetricStep, nullStr(run.BestMetricMode),
			run.DeletedAt, nullStr(run.DeleteReason), run.RunDir, run.DurationSeconds, run.MetricCount,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert run %s", run.RunID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit upsert batch")
}

// Get returns one run by ID.
func (s *RunStore) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM experiments WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundf("run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", runID)
	}
	return run, nil
}

// ListFilter selects runs for listing.
type ListFilter struct {
	Path    string
	Status  string
	Deleted string // "0" (default, live only), "1" (deleted only), "all"
	Search  string // substring on run_id, path, alias
	Page    int
	PerPage int
}

// List returns a page of runs plus the pre-pagination total.
func (s *RunStore) List(ctx context.Context, filter ListFilter) ([]*Run, int, error) {
	where := []string{"1=1"}
	var args []interface{}

	switch filter.Deleted {
	case "1":
		where = append(where, "deleted_at IS NOT NULL")
	case "all":
	default:
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Path != "" {
		where = append(where, "path = ?")
		args = append(args, filter.Path)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where = append(where, "(run_id LIKE ? OR path LIKE ? OR alias LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count runs")
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > 1000 {
		perPage = 1000
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := fmt.Sprintf(`SELECT %s FROM experiments WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		runColumns, whereClause)
	rows, err := s.db.QueryContext(ctx, query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan run")
		}
		runs = append(runs, run)
	}
	return runs, total, errors.Wrap(rows.Err(), "iterate runs")
}

// SoftDelete sets deleted_at on the given runs. Idempotent; already-deleted
// runs keep their original tombstone time.
func (s *RunStore) SoftDelete(ctx context.Context, runIDs []string, reason string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	now := float64(time.Now().UnixNano()) / 1e9

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	var affected int64
	for _, id := range runIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE experiments SET deleted_at = ?, delete_reason = ?
			WHERE run_id = ? AND deleted_at IS NULL`, now, nullStr(reason), id)
		if err != nil {
			return 0, errors.Wrapf(err, "soft-delete run %s", id)
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	return affected, errors.Wrap(tx.Commit(), "commit soft-delete")
}

// RestoreDeleted clears the tombstone on the given runs.
func (s *RunStore) RestoreDeleted(ctx context.Context, runIDs []string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	var affected int64
	for _, id := range runIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE experiments SET deleted_at = NULL, delete_reason = NULL
			WHERE run_id = ? AND deleted_at IS NOT NULL`, id)
		if err != nil {
			return 0, errors.Wrapf(err, "restore run %s", id)
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	return affected, errors.Wrap(tx.Commit(), "commit restore")
}

// DeleteRows removes mirror rows permanently (used when a directory vanished
// or a recycle-bin entry is emptied). Idempotent.
func (s *RunStore) DeleteRows(ctx context.Context, runIDs []string) error {
	if len(runIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	for _, id := range runIDs {
		for _, table := range []string{"metrics", "experiment_tags", "environments", "experiment_files", "experiments"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
				return errors.Wrapf(err, "delete %s rows for %s", table, id)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// AllIDs returns every run_id currently mirrored.
func (s *RunStore) AllIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM experiments`)
	if err != nil {
		return nil, errors.Wrap(err, "query run ids")
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan run id")
		}
		ids[id] = true
	}
	return ids, errors.Wrap(rows.Err(), "iterate run ids")
}

// MarkInterrupted transitions a stale running run to interrupted.
func (s *RunStore) MarkInterrupted(ctx context.Context, runID string) error {
	now := float64(time.Now().UnixNano()) / 1e9
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, ended_at = COALESCE(ended_at, ?), updated_at = ?
		WHERE run_id = ? AND status = ?`,
		StatusInterrupted, now, now, runID, StatusRunning)
	return errors.Wrapf(err, "mark run %s interrupted", runID)
}

// UpdateBestMetric writes the tracked best value for a run.
func (s *RunStore) UpdateBestMetric(ctx context.Context, runID string, best *BestMetric) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiments
		SET best_metric_name = ?, best_metric_value = ?, best_metric_step = ?, best_metric_mode = ?
		WHERE run_id = ?`,
		best.Name, best.Value, best.Step, best.Mode, runID)
	return errors.Wrapf(err, "update best metric for %s", runID)
}

// MetricPoint is one sample mirrored into the metrics table.
type MetricPoint struct {
	TS    float64
	Name  string
	Value *float64
	Step  int64
	Stage string
}

// UpsertMetricPoints mirrors sampled points into the metrics table. Rows are
// keyed (run_id, timestamp, metric_name) so re-mirroring the same sample is
// idempotent.
func (s *RunStore) UpsertMetricPoints(ctx context.Context, runID string, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO metrics (run_id, timestamp, metric_name, value, step, stage)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare metric upsert")
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.TS, p.Name, p.Value, p.Step, nullStr(p.Stage)); err != nil {
			return errors.Wrapf(err, "mirror metric %s for %s", p.Name, runID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit metric mirror")
}

// LatestMetrics returns the most recently mirrored sample per metric name.
func (s *RunStore) LatestMetrics(ctx context.Context, runID string) (map[string]*float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.metric_name, m.value
		FROM metrics m
		WHERE m.run_id = ?
		  AND m.timestamp = (
			SELECT MAX(timestamp) FROM metrics
			WHERE run_id = m.run_id AND metric_name = m.metric_name
		  )`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "query latest metrics for %s", runID)
	}
	defer rows.Close()

	latest := map[string]*float64{}
	for rows.Next() {
		var name string
		var value sql.NullFloat64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, errors.Wrap(err, "scan latest metric")
		}
		if value.Valid {
			v := value.Float64
			latest[name] = &v
		} else {
			latest[name] = nil
		}
	}
	return latest, errors.Wrap(rows.Err(), "iterate latest metrics")
}

// SetMetricCount records the number of metric events seen for a run.
func (s *RunStore) SetMetricCount(ctx context.Context, runID string, count int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE experiments SET metric_count = ? WHERE run_id = ?`, count, runID)
	return errors.Wrapf(err, "set metric count for %s", runID)
}

// PathStat is one row of the per-path aggregate view.
type PathStat struct {
	Path          string   `json:"path"`
	RunCount      int      `json:"run_count"`
	RunningCount  int      `json:"running_count"`
	FinishedCount int      `json:"finished_count"`
	FailedCount   int      `json:"failed_count"`
	LastCreatedAt *float64 `json:"last_created_at,omitempty"`
}

// PathStats lists per-path aggregates from v_path_stats.
func (s *RunStore) PathStats(ctx context.Context) ([]PathStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, run_count, running_count, finished_count, failed_count, last_created_at
		FROM v_path_stats ORDER BY path`)
	if err != nil {
		return nil, errors.Wrap(err, "query path stats")
	}
	defer rows.Close()

	var stats []PathStat
	for rows.Next() {
		var st PathStat
		if err := rows.Scan(&st.Path, &st.RunCount, &st.RunningCount, &st.FinishedCount, &st.FailedCount, &st.LastCreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan path stat")
		}
		stats = append(stats, st)
	}
	return stats, errors.Wrap(rows.Err(), "iterate path stats")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var alias, hostname, pyVersion, platform, bmName, bmMode, delReason sql.NullString
	var createdAt, updatedAt, startedAt, endedAt sql.NullFloat64
	var pid sql.NullInt32

	err := row.Scan(
		&run.RunID, &run.Path, &alias,
		&createdAt, &updatedAt, &startedAt, &endedAt,
		&run.Status, &pid, &hostname, &pyVersion, &platform,
		&bmName, &run.BestMetricValue, &run.BestMetricStep, &bmMode,
		&run.DeletedAt, &delReason, &run.RunDir, &run.DurationSeconds, &run.MetricCount,
	)
	if err != nil {
		return nil, err
	}

	run.Alias = alias.String
	run.Hostname = hostname.String
	run.PythonVersion = pyVersion.String
	run.Platform = platform.String
	run.BestMetricName = bmName.String
	run.BestMetricMode = bmMode.String
	run.DeleteReason = delReason.String
	run.CreatedAt = createdAt.Float64
	run.UpdatedAt = updatedAt.Float64
	run.StartedAt = startedAt.Float64
	run.EndedAt = endedAt.Float64
	run.PID = pid.Int32
	return &run, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}
