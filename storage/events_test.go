package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEventsIgnoresPartialLastLine(t *testing.T) {
	complete := `{"type":"metric","ts":1.0,"step":1,"name":"loss","value":0.5}` + "\n"
	partial := `{"type":"metric","ts":2.0,"step":2,"name":"loss","va`

	var events []*Event
	consumed, parseErrors, err := ReadEvents(strings.NewReader(complete+partial), func(ev *Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	assert.Zero(t, parseErrors)
	require.Len(t, events, 1)
	assert.Equal(t, int64(len(complete)), consumed)
	require.NotNil(t, events[0].Metric)
	assert.Equal(t, "loss", events[0].Metric.Name)
	assert.Equal(t, 0.5, *events[0].Metric.Value)
}

func TestReadEventsCountsMalformedLines(t *testing.T) {
	input := "not json\n" +
		`{"type":"log","ts":1.0,"text":"hello"}` + "\n" +
		"{broken\n"

	var logs []string
	_, parseErrors, err := ReadEvents(strings.NewReader(input), func(ev *Event) {
		if ev.Log != nil {
			logs = append(logs, ev.Log.Text)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), parseErrors)
	assert.Equal(t, []string{"hello"}, logs)
}

func TestParseEventLineUnknownTypePassthrough(t *testing.T) {
	line := `{"type":"histogram","ts":1.0,"bins":[1,2,3]}`
	ev, err := ParseEventLine([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, "histogram", ev.Type)
	assert.JSONEq(t, line, string(ev.Raw))
	assert.Nil(t, ev.Metric)
	assert.Nil(t, ev.Log)
}

func TestParseEventLineNullMetricValue(t *testing.T) {
	ev, err := ParseEventLine([]byte(`{"type":"metric","ts":1.0,"step":3,"name":"acc","value":null}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Metric)
	assert.Nil(t, ev.Metric.Value)
	assert.Equal(t, int64(3), ev.Metric.Step)
}

func TestValidateRunID(t *testing.T) {
	assert.NoError(t, ValidateRunID("20250101_120000_abc123"))
	assert.Error(t, ValidateRunID("20250101_120000_ABC123")) // uppercase hex
	assert.Error(t, ValidateRunID("20250101_120000_abc12"))  // short suffix
	assert.Error(t, ValidateRunID("../../../etc/passwd"))
	assert.Error(t, ValidateRunID(""))
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("team/vision/resnet"))
	assert.NoError(t, ValidatePath("a_b-c"))
	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("/absolute"))
	assert.Error(t, ValidatePath("a/../b"))
	assert.Error(t, ValidatePath(`a\b`))
	assert.Error(t, ValidatePath("has space"))
	assert.Error(t, ValidatePath(strings.Repeat("x", 201)))
}

func TestMetaEffectivePath(t *testing.T) {
	assert.Equal(t, "team/run", (&Meta{Path: "team/run", Project: "other"}).EffectivePath())
	assert.Equal(t, "proj/name", (&Meta{Project: "proj", Name: "name"}).EffectivePath())
	assert.Equal(t, "proj", (&Meta{Project: "proj"}).EffectivePath())
	assert.Equal(t, "default", (&Meta{}).EffectivePath())
}
