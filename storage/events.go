package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/runicorn/runicorn/errors"
)

// Event types appearing in events.jsonl. Unknown types are preserved as
// opaque raw JSON for forward compatibility.
const (
	EventMetric        = "metric"
	EventLog           = "log"
	EventImage         = "image"
	EventSummary       = "summary"
	EventStatus        = "status"
	EventPrimaryMetric = "primary_metric"
)

// MetricEvent is a single logged metric point.
// Value is nil when the writer logged a non-finite or missing value; such
// points are excluded from best-metric tracking.
type MetricEvent struct {
	TS    float64  `json:"ts"`
	Step  int64    `json:"step"`
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	Stage string   `json:"stage,omitempty"`
}

// LogEvent mirrors a line also written raw to logs.txt.
type LogEvent struct {
	TS   float64 `json:"ts"`
	Text string  `json:"text"`
}

// ImageEvent references a media file relative to the run directory.
type ImageEvent struct {
	TS      float64 `json:"ts"`
	Step    int64   `json:"step"`
	Key     string  `json:"key"`
	Path    string  `json:"path"`
	Caption string  `json:"caption,omitempty"`
}

// SummaryEvent is one update in the summary fold.
type SummaryEvent struct {
	TS     float64                    `json:"ts"`
	Update map[string]json.RawMessage `json:"update"`
}

// StatusEvent records a writer-side status transition.
type StatusEvent struct {
	TS     float64 `json:"ts"`
	Status string  `json:"status"`
	Reason string  `json:"reason,omitempty"`
}

// PrimaryMetricEvent (re)designates the run's optimization target.
type PrimaryMetricEvent struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// Event is one line of events.jsonl as an open sum type. Exactly one of the
// typed fields is set for known types; Raw always holds the original bytes.
type Event struct {
	Type          string              `json:"type"`
	Raw           json.RawMessage     `json:"-"`
	Metric        *MetricEvent        `json:"-"`
	Log           *LogEvent           `json:"-"`
	Image         *ImageEvent         `json:"-"`
	Summary       *SummaryEvent       `json:"-"`
	Status        *StatusEvent        `json:"-"`
	PrimaryMetric *PrimaryMetricEvent `json:"-"`
}

// ParseEventLine parses a single JSONL line into an Event.
func ParseEventLine(line []byte) (*Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, errors.Wrap(err, "parse event line")
	}

	ev := &Event{Type: head.Type, Raw: append(json.RawMessage(nil), line...)}

	var err error
	switch head.Type {
	case EventMetric:
		ev.Metric = &MetricEvent{}
		err = json.Unmarshal(line, ev.Metric)
	case EventLog:
		ev.Log = &LogEvent{}
		err = json.Unmarshal(line, ev.Log)
	case EventImage:
		ev.Image = &ImageEvent{}
		err = json.Unmarshal(line, ev.Image)
	case EventSummary:
		ev.Summary = &SummaryEvent{}
		err = json.Unmarshal(line, ev.Summary)
	case EventStatus:
		ev.Status = &StatusEvent{}
		err = json.Unmarshal(line, ev.Status)
	case EventPrimaryMetric:
		ev.PrimaryMetric = &PrimaryMetricEvent{}
		err = json.Unmarshal(line, ev.PrimaryMetric)
	default:
		// Unknown type: keep the raw passthrough only.
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s event", head.Type)
	}
	return ev, nil
}

// ReadEvents streams events from r, invoking fn per parsed event.
// A trailing partial line (no terminating newline) is ignored, matching the
// append-only contract: the writer may be mid-line. Lines that fail to parse
// are skipped and counted.
//
// Returns the number of bytes of complete lines consumed and the count of
// skipped lines.
func ReadEvents(r io.Reader, fn func(*Event)) (consumed int64, parseErrors int64, err error) {
	br := bufio.NewReaderSize(r, 256*1024)
	for {
		line, readErr := br.ReadBytes('\n')
		if readErr == io.EOF {
			// Partial last line: ignored, not consumed.
			return consumed, parseErrors, nil
		}
		if readErr != nil {
			return consumed, parseErrors, errors.Wrap(readErr, "read events")
		}

		consumed += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		ev, parseErr := ParseEventLine(trimmed)
		if parseErr != nil {
			parseErrors++
			continue
		}
		fn(ev)
	}
}
