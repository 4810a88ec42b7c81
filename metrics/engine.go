package metrics

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/storage"
)

// Axis selects the x-axis for a metrics query.
type Axis string

const (
	AxisTimestamp Axis = "timestamp"
	AxisStep      Axis = "step"
)

// Engine serves metric queries over the incremental cache and keeps
// best-metric state written through to status.json and the mirror.
type Engine struct {
	Cache  *Cache
	Logger *zap.SugaredLogger
}

// NewEngine creates an engine with a cache of the given capacity.
func NewEngine(cacheCapacity int, logger *zap.SugaredLogger) *Engine {
	return &Engine{Cache: NewCache(cacheCapacity, logger), Logger: logger}
}

// QueryResult is the body of a metrics response. Rows hold one value pointer
// per column; absent values are null.
type QueryResult struct {
	Columns  []string     `json:"columns"`
	Rows     [][]*float64 `json:"rows"`
	Total    int          `json:"total"`
	Sampled  int          `json:"sampled"`
	LastStep int64        `json:"-"`
}

// Query returns the requested series as rows over the sorted union of
// x-values. keys nil or empty selects every metric seen in the run. When
// downsample > 0 each series longer than the limit is reduced with LTTB
// independently; first and last points survive.
func (e *Engine) Query(dir storage.RunDir, keys []string, downsample int, axis Axis) (*QueryResult, error) {
	data, err := e.Cache.Load(dir)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		for name := range data.Series {
			keys = append(keys, name)
		}
		sort.Strings(keys)
	}

	type cell struct {
		ts    float64
		step  int64
		value *float64
	}
	// Per series: sorted points, then optional LTTB, then merge.
	merged := map[float64]map[string]cell{}
	total := 0

	for _, name := range keys {
		points := append([]Point(nil), data.Series[name]...)
		if len(points) == 0 {
			continue
		}
		sortPoints(points, axis)
		total += len(points)

		selected := points
		if downsample > 0 && len(points) > downsample {
			selected = downsampleSeries(points, downsample, axis)
		}

		for _, p := range selected {
			x := xValue(p, axis)
			row, ok := merged[x]
			if !ok {
				row = map[string]cell{}
				merged[x] = row
			}
			row[name] = cell{ts: p.TS, step: p.Step, value: p.Value}
		}
	}

	xs := make([]float64, 0, len(merged))
	for x := range merged {
		xs = append(xs, x)
	}
	sort.Float64s(xs)

	result := &QueryResult{
		Columns:  append([]string{"timestamp", "step"}, keys...),
		Rows:     make([][]*float64, 0, len(xs)),
		Total:    total,
		LastStep: data.LastStep,
	}
	for _, x := range xs {
		cells := merged[x]
		var ts, step *float64
		row := make([]*float64, 2+len(keys))
		for i, name := range keys {
			c, ok := cells[name]
			if !ok {
				continue
			}
			row[2+i] = c.value
			if ts == nil {
				t, s := c.ts, float64(c.step)
				ts, step = &t, &s
			}
		}
		row[0], row[1] = ts, step
		result.Rows = append(result.Rows, row)
	}
	result.Sampled = len(result.Rows)
	return result, nil
}

func xValue(p Point, axis Axis) float64 {
	if axis == AxisStep {
		return float64(p.Step)
	}
	return p.TS
}

func sortPoints(points []Point, axis Axis) {
	if axis == AxisStep {
		sort.SliceStable(points, func(i, j int) bool {
			if points[i].Step != points[j].Step {
				return points[i].Step < points[j].Step
			}
			return points[i].TS < points[j].TS
		})
		return
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].TS < points[j].TS })
}

// downsampleSeries runs LTTB over the non-null points of a sorted series.
// Null-valued points carry no y coordinate and are dropped from the sampled
// output.
func downsampleSeries(points []Point, threshold int, axis Axis) []Point {
	lp := make([]lttbPoint, 0, len(points))
	for i, p := range points {
		if p.Value == nil {
			continue
		}
		lp = append(lp, lttbPoint{X: xValue(p, axis), Y: *p.Value, Index: i})
	}
	sampled := LTTB(lp, threshold)
	out := make([]Point, len(sampled))
	for i, s := range sampled {
		out[i] = points[s.Index]
	}
	return out
}

// Names lists the metric names seen in a run, sorted.
func (e *Engine) Names(dir storage.RunDir) ([]string, error) {
	data, err := e.Cache.Load(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(data.Series))
	for name := range data.Series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ComputeBest folds a series into its optimum for the given mode. Null values
// are skipped; ties keep the earlier step.
func ComputeBest(points []Point, name, mode string) *storage.BestMetric {
	var best *storage.BestMetric
	for _, p := range points {
		if p.Value == nil {
			continue
		}
		v := *p.Value
		better := best == nil
		if !better {
			if mode == storage.ModeMin {
				better = v < best.Value
			} else {
				better = v > best.Value
			}
		}
		if better {
			best = &storage.BestMetric{Name: name, Value: v, Step: p.Step, Mode: mode}
		}
	}
	return best
}

// RunStats implements storage.MetricStatsFunc: metric count plus the best
// value of the run's primary metric, resolved from events first and meta.json
// second.
func (e *Engine) RunStats(dir storage.RunDir) (int64, *storage.BestMetric, bool) {
	data, err := e.Cache.Load(dir)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warnw("Failed to load metrics for stats", "run_dir", dir.Dir(), "error", err)
		}
		return 0, nil, false
	}

	primary := data.Primary
	if primary == nil {
		if meta, err := dir.ReadMeta(); err == nil {
			primary = meta.PrimaryMetric
		}
	}

	var best *storage.BestMetric
	if primary != nil && primary.Name != "" {
		mode := primary.Mode
		if mode == "" {
			mode = storage.ModeMax
		}
		// Step-ordered so ties resolve to the earlier step.
		points := append([]Point(nil), data.Series[primary.Name]...)
		sortPoints(points, AxisStep)
		best = ComputeBest(points, primary.Name, mode)
	}
	return data.MetricCount, best, true
}

// SyncBest recomputes the best metric for a run and writes it through to
// status.json and the mirror when it changed. The latest sample per series is
// also mirrored into the metrics table, keeping it queryable by run id.
func (e *Engine) SyncBest(ctx context.Context, dir storage.RunDir, store *storage.RunStore) error {
	_, best, ok := e.RunStats(dir)
	if !ok {
		return nil
	}

	if store != nil {
		if err := e.mirrorLatest(ctx, dir, store); err != nil {
			return err
		}
	}
	if best == nil {
		return nil
	}

	status, err := dir.ReadStatus()
	if err != nil {
		return err
	}
	if status.BestMetric != nil && *status.BestMetric == *best {
		return nil
	}
	status.BestMetric = best
	if err := dir.WriteStatus(status); err != nil {
		return err
	}
	if store != nil {
		if err := store.UpdateBestMetric(ctx, dir.RunID, best); err != nil {
			return err
		}
	}
	if e.Logger != nil {
		e.Logger.Debugw("Best metric updated",
			"run_id", dir.RunID,
			"metric", best.Name,
			"value", best.Value,
			"step", best.Step,
		)
	}
	return nil
}

// mirrorLatest writes each series' newest sample into the metrics table.
// Idempotent: an unchanged sample replaces itself.
func (e *Engine) mirrorLatest(ctx context.Context, dir storage.RunDir, store *storage.RunStore) error {
	data, err := e.Cache.Load(dir)
	if err != nil {
		return err
	}
	points := make([]storage.MetricPoint, 0, len(data.Series))
	for name, series := range data.Series {
		if len(series) == 0 {
			continue
		}
		p := series[len(series)-1]
		points = append(points, storage.MetricPoint{
			TS: p.TS, Name: name, Value: p.Value, Step: p.Step, Stage: p.Stage,
		})
	}
	return store.UpsertMetricPoints(ctx, dir.RunID, points)
}
