package server

import (
	"context"
	"net/http"
	"time"
)

// setupHTTPRoutes registers every API handler. Each route passes through the
// rate limiter keyed by its pattern, which is also what the rate-limit JSON
// config keys on, and carries a request deadline. Metrics queries get the
// longer budget; the websocket stream is exempt.
func (s *Server) setupHTTPRoutes(mux *http.ServeMux) {
	timed := func(d time.Duration, handler http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			handler(w, r.WithContext(ctx))
		}
	}
	route := func(pattern, endpoint string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, s.limiter.Middleware(endpoint, timed(defaultRequestTimeout, handler)))
	}
	routeLong := func(pattern, endpoint string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, s.limiter.Middleware(endpoint, timed(metricsRequestTimeout, handler)))
	}
	routeStream := func(pattern, endpoint string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, s.limiter.Middleware(endpoint, handler))
	}

	route("GET /api/health", "/api/health", s.handleHealth)

	// Runs.
	route("GET /api/runs", "/api/runs", s.handleListRuns)
	route("GET /api/runs/{id}", "/api/runs/{id}", s.handleRunDetail)
	route("POST /api/runs/soft-delete", "/api/runs/soft-delete", s.handleSoftDelete)
	route("GET /api/runs/{id}/summary", "/api/runs/{id}", s.handleRunSummary)
	route("GET /api/runs/{id}/events", "/api/runs/{id}", s.handleRunEvents)
	route("GET /api/runs/{id}/images", "/api/runs/{id}", s.handleRunImages)
	route("GET /api/runs/{id}/assets", "/api/runs/{id}", s.handleRunAssets)
	route("GET /api/runs/{id}/files/{path...}", "/api/runs/{id}/files", s.handleRunFile)

	// Recycle bin.
	route("GET /api/recycle-bin", "/api/recycle-bin", s.handleRecycleBinList)
	route("POST /api/recycle-bin/restore", "/api/recycle-bin", s.handleRecycleBinRestore)
	route("POST /api/recycle-bin/empty", "/api/recycle-bin", s.handleRecycleBinEmpty)

	// Metrics.
	routeLong("GET /api/runs/{id}/metrics", "/api/runs/{id}/metrics", s.handleMetrics)
	routeLong("GET /api/runs/{id}/metrics_step", "/api/runs/{id}/metrics", s.handleMetricsStep)
	route("GET /api/metrics/cache/stats", "/api/metrics/cache/stats", s.handleMetricsCacheStats)

	// Log streaming. No request deadline: the stream lives until the client
	// leaves or the idle timeout fires.
	routeStream("GET /api/runs/{id}/logs/ws", "/api/runs/{id}/logs/ws", s.handleLogsWS)

	// Path hierarchy.
	route("GET /api/paths", "/api/paths", s.handlePaths)
	route("GET /api/paths/tree", "/api/paths", s.handlePathTree)
	route("GET /api/paths/runs", "/api/paths", s.handlePathRuns)
	route("POST /api/paths/soft-delete", "/api/paths", s.handlePathSoftDelete)
	route("GET /api/paths/export", "/api/paths", s.handlePathExport)

	// Storage maintenance.
	route("GET /api/storage/stats", "/api/storage/stats", s.handleStorageStats)
	route("POST /api/storage/gc", "/api/storage/gc", s.handleStorageGC)

	// Configuration.
	route("GET /api/config", "/api/config", s.handleGetConfig)
	route("PUT /api/config", "/api/config", s.handlePutConfig)

	// Remote supervisor.
	route("POST /api/remote/connect", "/api/remote/connect", s.handleRemoteConnect)
	route("POST /api/remote/accept-host-key", "/api/remote/accept-host-key", s.handleAcceptHostKey)
	route("GET /api/remote/conda-envs", "/api/remote/conda-envs", s.handleRemoteEnvs)
	route("GET /api/remote/config", "/api/remote/config", s.handleRemoteConfig)
	route("POST /api/remote/viewer/start", "/api/remote/viewer", s.handleRemoteViewerStart)
	route("POST /api/remote/viewer/stop", "/api/remote/viewer", s.handleRemoteViewerStop)
	route("GET /api/remote/viewer/sessions", "/api/remote/viewer", s.handleRemoteViewerSessions)
	route("GET /api/remote/viewer/status/{session_id}", "/api/remote/viewer", s.handleRemoteViewerStatus)
}
