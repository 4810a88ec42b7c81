package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/metrics"
)

// parseMetricsQuery pulls the shared query parameters for the two metrics
// endpoints. keys defaults to every series when absent; downsample, when
// present, must be a positive integer.
func parseMetricsQuery(r *http.Request) (keys []string, downsample int, err error) {
	q := r.URL.Query()
	if raw := q.Get("keys"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	if raw := q.Get("downsample"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			return nil, 0, errors.Wrapf(errors.ErrInvalidRequest, "downsample must be a positive integer, got %q", raw)
		}
		downsample = n
	}
	return keys, downsample, nil
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request, axis metrics.Axis) {
	keys, downsample, err := parseMetricsQuery(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	result, err := s.engine.Query(dir, keys, downsample, axis)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	w.Header().Set("X-Row-Count", strconv.Itoa(len(result.Rows)))
	w.Header().Set("X-Total-Count", strconv.Itoa(result.Total))
	w.Header().Set("X-Last-Step", strconv.FormatInt(result.LastStep, 10))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.serveMetrics(w, r, metrics.AxisTimestamp)
}

func (s *Server) handleMetricsStep(w http.ResponseWriter, r *http.Request) {
	s.serveMetrics(w, r, metrics.AxisStep)
}

func (s *Server) handleMetricsCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Cache.Stats())
}
