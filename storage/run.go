// Package storage models the on-disk run layout and mirrors it into SQLite.
//
// The filesystem is authoritative: writer SDKs own the run directories and the
// viewer only ever reads them. The SQLite mirror exists for listing and
// aggregate queries and can be rebuilt from disk at any time.
package storage

import (
	"regexp"
	"strings"

	"github.com/runicorn/runicorn/errors"
)

// Run statuses. The writer reports running/finished/failed; interrupted is
// derived by the zombie sweep when a running run goes stale.
const (
	StatusRunning     = "running"
	StatusFinished    = "finished"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Primary-metric modes.
const (
	ModeMax = "max"
	ModeMin = "min"
)

// RunIDPattern matches run identifiers of the form YYYYMMDD_HHMMSS_xxxxxx.
var RunIDPattern = regexp.MustCompile(`^[0-9]{8}_[0-9]{6}_[a-f0-9]{6}$`)

const maxPathLength = 200

var pathCharset = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// ValidateRunID rejects anything that is not a well-formed run ID.
// Validation happens before any disk access.
func ValidateRunID(id string) error {
	if !RunIDPattern.MatchString(id) {
		return errors.Wrapf(errors.ErrInvalidRequest, "malformed run id %q", id)
	}
	return nil
}

// ValidatePath validates a hierarchical run path (also used for project and
// name segments): bounded length, restricted charset, no traversal, relative.
func ValidatePath(path string) error {
	switch {
	case path == "":
		return errors.Wrap(errors.ErrInvalidRequest, "empty path")
	case len(path) > maxPathLength:
		return errors.Wrapf(errors.ErrInvalidRequest, "path exceeds %d characters", maxPathLength)
	case strings.HasPrefix(path, "/"):
		return errors.Wrap(errors.ErrInvalidRequest, "path must be relative")
	case strings.Contains(path, "\\"):
		return errors.Wrap(errors.ErrInvalidRequest, "backslash in path")
	case !pathCharset.MatchString(path):
		return errors.Wrapf(errors.ErrInvalidRequest, "path contains invalid characters")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return errors.Wrap(errors.ErrInvalidRequest, "path traversal")
		}
	}
	return nil
}

// BestMetric is the tracked optimum of a run's primary metric.
type BestMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Step  int64   `json:"step"`
	Mode  string  `json:"mode"`
}

// PrimaryMetric designates the optimization target declared in meta.json or
// via a primary_metric event.
type PrimaryMetric struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// Meta is the write-once meta.json at run initialization.
type Meta struct {
	RunID         string         `json:"run_id"`
	Path          string         `json:"path,omitempty"`
	Alias         string         `json:"alias,omitempty"`
	CreatedAt     float64        `json:"created_at"`
	PythonVersion string         `json:"python_version,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	PID           int32          `json:"pid,omitempty"`
	Hostname      string         `json:"hostname,omitempty"`
	PrimaryMetric *PrimaryMetric `json:"primary_metric,omitempty"`

	// Legacy layout: path was split into project/name. Preserved for old
	// writers; EffectivePath synthesizes path from them only when path is
	// absent.
	Project string `json:"project,omitempty"`
	Name    string `json:"name,omitempty"`
}

// EffectivePath returns the run's path, synthesizing "<project>/<name>" only
// when the path field is absent (legacy writers).
func (m *Meta) EffectivePath() string {
	if m.Path != "" {
		return m.Path
	}
	if m.Project != "" && m.Name != "" {
		return m.Project + "/" + m.Name
	}
	if m.Project != "" {
		return m.Project
	}
	return "default"
}

// StatusFile is status.json, heartbeat-updated by the writer.
type StatusFile struct {
	Status     string      `json:"status"`
	StartedAt  float64     `json:"started_at,omitempty"`
	EndedAt    float64     `json:"ended_at,omitempty"`
	UpdatedAt  float64     `json:"updated_at"`
	BestMetric *BestMetric `json:"best_metric,omitempty"`
}

// Run is a row of the experiments mirror table.
type Run struct {
	RunID           string   `json:"run_id"`
	Path            string   `json:"path"`
	Alias           string   `json:"alias,omitempty"`
	CreatedAt       float64  `json:"created_at"`
	UpdatedAt       float64  `json:"updated_at"`
	StartedAt       float64  `json:"started_at,omitempty"`
	EndedAt         float64  `json:"ended_at,omitempty"`
	Status          string   `json:"status"`
	PID             int32    `json:"pid,omitempty"`
	Hostname        string   `json:"hostname,omitempty"`
	PythonVersion   string   `json:"python_version,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	BestMetricName  string   `json:"best_metric_name,omitempty"`
	BestMetricValue *float64 `json:"best_metric_value,omitempty"`
	BestMetricStep  *int64   `json:"best_metric_step,omitempty"`
	BestMetricMode  string   `json:"best_metric_mode,omitempty"`
	DeletedAt       *float64 `json:"deleted_at,omitempty"`
	DeleteReason    string   `json:"delete_reason,omitempty"`
	RunDir          string   `json:"run_dir"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	MetricCount     int64    `json:"metric_count"`
}

// Deleted reports whether the run is soft-deleted.
func (r *Run) Deleted() bool {
	return r.DeletedAt != nil
}
