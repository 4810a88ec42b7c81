// Package metrics turns append-only events.jsonl files into query responses:
// incremental parsing with an LRU offset cache, LTTB downsampling, and
// best-metric tracking.
package metrics

import (
	"container/list"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/storage"
)

// DefaultCacheCapacity is the LRU entry limit.
const DefaultCacheCapacity = 1000

// Point is one parsed metric sample. Value is nil for non-finite values.
// Stage is the writer's optional phase tag (train/eval/...), carried through
// to the SQLite metrics mirror.
type Point struct {
	TS    float64
	Step  int64
	Value *float64
	Stage string
}

// RunMetrics is the parsed state of one run's events file.
type RunMetrics struct {
	Series      map[string][]Point
	ParseErrors int64
	LastStep    int64
	MetricCount int64

	// Primary metric designated via events; overrides meta.json when set.
	Primary *storage.PrimaryMetric

	consumed int64 // byte offset of fully parsed lines
	fileSize int64 // file size observed at parse time
}

type cacheEntry struct {
	key  string
	data *RunMetrics
}

// Cache is an LRU of parsed run metrics with incremental tail updates. The
// entry records the file size it was parsed at: a shrunken file invalidates
// the entry outright so a truncated and rewritten file never reuses stale
// state; a grown file only parses the new tail.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recent
	logger   *zap.SugaredLogger

	hits               int64
	misses             int64
	incrementalUpdates int64
}

// NewCache creates a cache; capacity <= 0 uses the default.
func NewCache(capacity int, logger *zap.SugaredLogger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		logger:   logger,
	}
}

// Load returns parsed metrics for the run, reusing cached state when the
// events file is unchanged and parsing only the appended tail when it grew.
// A missing events file yields an empty result.
func (c *Cache) Load(dir storage.RunDir) (*RunMetrics, error) {
	path := dir.File(storage.EventsFile)
	key := dir.Dir()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunMetrics{Series: map[string][]Point{}}, nil
		}
		return nil, errors.Wrap(err, "stat events file")
	}
	size := info.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		switch {
		case size == entry.data.fileSize:
			c.hits++
			c.order.MoveToFront(el)
			return entry.data, nil
		case size > entry.data.fileSize:
			if err := c.parseTail(entry.data, path, size); err != nil {
				return nil, err
			}
			c.incrementalUpdates++
			c.order.MoveToFront(el)
			return entry.data, nil
		default:
			// Truncated: drop and reparse from scratch.
			c.order.Remove(el)
			delete(c.entries, key)
			if c.logger != nil {
				c.logger.Debugw("Events file shrank, invalidating cache", "run_dir", key)
			}
		}
	}

	c.misses++
	data := &RunMetrics{Series: map[string][]Point{}}
	if err := c.parseTail(data, path, size); err != nil {
		return nil, err
	}
	c.insert(key, data)
	return data, nil
}

// Invalidate drops a run's cached state.
func (c *Cache) Invalidate(dir storage.RunDir) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[dir.Dir()]; ok {
		c.order.Remove(el)
		delete(c.entries, dir.Dir())
	}
}

func (c *Cache) insert(key string, data *RunMetrics) {
	el := c.order.PushFront(&cacheEntry{key: key, data: data})
	c.entries[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// parseTail parses bytes [data.consumed, size) and folds them into data.
func (c *Cache) parseTail(data *RunMetrics, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open events file")
	}
	defer f.Close()

	if data.consumed > 0 {
		if _, err := f.Seek(data.consumed, io.SeekStart); err != nil {
			return errors.Wrap(err, "seek events file")
		}
	}

	consumed, parseErrors, err := storage.ReadEvents(f, func(ev *storage.Event) {
		switch {
		case ev.Metric != nil:
			m := ev.Metric
			data.Series[m.Name] = append(data.Series[m.Name], Point{TS: m.TS, Step: m.Step, Value: m.Value, Stage: m.Stage})
			data.MetricCount++
			if m.Step > data.LastStep {
				data.LastStep = m.Step
			}
		case ev.PrimaryMetric != nil:
			data.Primary = &storage.PrimaryMetric{Name: ev.PrimaryMetric.Name, Mode: ev.PrimaryMetric.Mode}
		}
	})
	if err != nil {
		return err
	}
	data.consumed += consumed
	data.ParseErrors += parseErrors
	data.fileSize = size
	return nil
}

// CacheStats is the payload of the cache stats endpoint.
type CacheStats struct {
	Entries            int     `json:"entries"`
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	IncrementalUpdates int64   `json:"incremental_updates"`
	HitRate            float64 `json:"hit_rate"`
}

// Stats snapshots cache counters. Incremental updates count as hits for the
// hit rate: the full file was not reparsed.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:            len(c.entries),
		Hits:               c.hits,
		Misses:             c.misses,
		IncrementalUpdates: c.incrementalUpdates,
	}
	lookups := c.hits + c.misses + c.incrementalUpdates
	if lookups > 0 {
		stats.HitRate = float64(c.hits+c.incrementalUpdates) / float64(lookups)
	}
	return stats
}
