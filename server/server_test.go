package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runicorn/runicorn/blob"
	"github.com/runicorn/runicorn/config"
	itest "github.com/runicorn/runicorn/internal/testing"
	"github.com/runicorn/runicorn/metrics"
	"github.com/runicorn/runicorn/storage"
)

const testRunID = "20250101_120000_abc123"

type testEnv struct {
	root    string
	store   *storage.RunStore
	limiter *rateLimiter
	srv     *Server
	mux     *http.ServeMux
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	conn := itest.CreateTestDB(t)
	store := storage.NewRunStore(conn)

	blobs, err := blob.NewStore(filepath.Join(root, storage.ArchiveDirName), nil)
	require.NoError(t, err)

	bin := &storage.RecycleBin{Root: root, Store: store, Blobs: blobs}

	rlCfg := config.DefaultRateLimitConfig()
	rlCfg.Settings.WhitelistLocalhost = false
	rlCfg.Default = config.RateLimitRule{MaxRequests: 10000, WindowSeconds: 60}
	rlCfg.Endpoints = map[string]config.RateLimitRule{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &Server{
		root:    root,
		db:      conn,
		store:   store,
		engine:  metrics.NewEngine(16, nil),
		blobs:   blobs,
		bin:     bin,
		limiter: newRateLimiter(rlCfg, nil),
		ctx:     ctx,
		cancel:  cancel,
	}
	mux := http.NewServeMux()
	s.setupHTTPRoutes(mux)

	return &testEnv{root: root, store: store, limiter: s.limiter, srv: s, mux: mux}
}

// seedRun creates a run directory plus its mirror row.
func (e *testEnv) seedRun(t *testing.T, runID, path, status string) storage.RunDir {
	t.Helper()
	dir := storage.RunDir{Root: e.root, Path: path, RunID: runID}
	require.NoError(t, os.MkdirAll(dir.Dir(), 0o755))

	meta := map[string]interface{}{"run_id": runID, "path": path, "created_at": 1735732800.0}
	writeTestJSON(t, dir.File(storage.MetaFile), meta)
	statusFile := map[string]interface{}{"status": status, "updated_at": 1735732900.0}
	writeTestJSON(t, dir.File(storage.StatusFileName), statusFile)

	require.NoError(t, e.store.Upsert(context.Background(), &storage.Run{
		RunID:     runID,
		Path:      path,
		Status:    status,
		CreatedAt: 1735732800,
		UpdatedAt: 1735732900,
		RunDir:    dir.Dir(),
	}))
	return dir
}

func writeTestJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reqBody)
	req.RemoteAddr = "192.0.2.1:40000"
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["version"])
}

func TestListRunsReturnsSeededRuns(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)
	env.seedRun(t, "20250102_120000_def456", "demo/exp2", storage.StatusRunning)

	rec := env.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["total"])

	rec = env.do(t, http.MethodGet, "/api/runs?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 1, body["total"])
}

func TestRunDetailRejectsMalformedID(t *testing.T) {
	env := newTestServer(t)

	for _, id := range []string{"not-a-run", "20250101_120000_ABC123", "../../etc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/runs/placeholder", nil)
		req.SetPathValue("id", id)
		rec := httptest.NewRecorder()
		env.srv.handleRunDetail(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "id %q", id)
		body := decodeBody(t, rec)
		assert.Contains(t, body["detail"], "run id")
	}
}

func TestRunDetailUnknownIDIs404(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/runs/20250101_120000_ffffff", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsRejectsTraversalPath(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/runs?path=a%2F..%2Fb", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunFileStaysInsideRunDir(t *testing.T) {
	env := newTestServer(t)
	dir := env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)
	require.NoError(t, os.WriteFile(dir.File("output.txt"), []byte("hello"), 0o644))

	rec := env.do(t, http.MethodGet, "/api/runs/"+testRunID+"/files/output.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	// Traversal never reaches the filesystem regardless of how the client
	// encodes it.
	req := httptest.NewRequest(http.MethodGet, "/api/runs/placeholder/files/x", nil)
	req.SetPathValue("id", testRunID)
	req.SetPathValue("path", "../../meta.json")
	traversal := httptest.NewRecorder()
	env.srv.handleRunFile(traversal, req)
	assert.Equal(t, http.StatusBadRequest, traversal.Code)

	rec = env.do(t, http.MethodGet, "/api/runs/"+testRunID+"/files/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunFileRefusesSymlinkEscape(t *testing.T) {
	env := newTestServer(t)
	dir := env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret"), 0o644))
	require.NoError(t, os.Symlink(secret, dir.File("leak.txt")))

	rec := env.do(t, http.MethodGet, "/api/runs/"+testRunID+"/files/leak.txt", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSoftDeleteAndRecycleBinFlow(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	rec := env.do(t, http.MethodPost, "/api/runs/soft-delete",
		map[string]interface{}{"run_ids": []string{testRunID}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["deleted"], 1)

	// Deleted runs leave the default listing.
	rec = env.do(t, http.MethodGet, "/api/runs", nil)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 0, body["total"])

	rec = env.do(t, http.MethodGet, "/api/recycle-bin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Len(t, body["items"], 1)

	rec = env.do(t, http.MethodPost, "/api/recycle-bin/restore",
		map[string]interface{}{"run_ids": []string{testRunID}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/runs", nil)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 1, body["total"])
}

func TestRunDetailIncludesLatestMetrics(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	v := 0.7
	require.NoError(t, env.store.UpsertMetricPoints(context.Background(), testRunID,
		[]storage.MetricPoint{{TS: 2.0, Name: "acc", Value: &v, Step: 2, Stage: "train"}}))

	rec := env.do(t, http.MethodGet, "/api/runs/"+testRunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	latest, ok := body["latest_metrics"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.7, latest["acc"])
}

func TestMetricsEndpointHeaders(t *testing.T) {
	env := newTestServer(t)
	dir := env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	var events bytes.Buffer
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&events,
			`{"type":"metric","ts":%d.0,"step":%d,"name":"loss","value":%g}`+"\n",
			1735732800+i, i, 1.0/float64(i+1))
	}
	require.NoError(t, os.WriteFile(dir.File(storage.EventsFile), events.Bytes(), 0o644))

	rec := env.do(t, http.MethodGet, "/api/runs/"+testRunID+"/metrics?keys=loss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("X-Row-Count"))
	assert.Equal(t, "50", rec.Header().Get("X-Total-Count"))
	assert.Equal(t, "49", rec.Header().Get("X-Last-Step"))

	var result struct {
		Columns []string     `json:"columns"`
		Rows    [][]*float64 `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, []string{"timestamp", "step", "loss"}, result.Columns)
	assert.Len(t, result.Rows, 50)
}

func TestMetricsDownsampleLimitsRows(t *testing.T) {
	env := newTestServer(t)
	dir := env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	var events bytes.Buffer
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&events,
			`{"type":"metric","ts":%d.0,"step":%d,"name":"acc","value":%g}`+"\n",
			1735732800+i, i, float64(i))
	}
	require.NoError(t, os.WriteFile(dir.File(storage.EventsFile), events.Bytes(), 0o644))

	rec := env.do(t, http.MethodGet,
		"/api/runs/"+testRunID+"/metrics_step?keys=acc&downsample=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-Row-Count"))
	assert.Equal(t, "2000", rec.Header().Get("X-Total-Count"))
}

func TestMetricsRejectsBadDownsample(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	for _, bad := range []string{"-5", "0", "abc"} {
		rec := env.do(t, http.MethodGet,
			"/api/runs/"+testRunID+"/metrics?downsample="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "downsample=%s", bad)
	}

	// Absent downsample still means no sampling at all.
	rec := env.do(t, http.MethodGet, "/api/runs/"+testRunID+"/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsCacheStatsShape(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/metrics/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "entries")
	assert.Contains(t, body, "hit_rate")
}

func TestRateLimitReturns429WithHeaders(t *testing.T) {
	env := newTestServer(t)

	env.limiter.Reload(&config.RateLimitConfig{
		Default: config.RateLimitRule{MaxRequests: 2, WindowSeconds: 60, BurstSize: 2},
		Settings: config.RateLimitSettings{
			EnableRateLimiting: true,
			WhitelistLocalhost: false,
		},
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = env.do(t, http.MethodGet, "/api/health", nil)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.NotEmpty(t, last.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "2", last.Header().Get("X-RateLimit-Limit"))
	body := decodeBody(t, last)
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestRateLimitSkipsLoopback(t *testing.T) {
	env := newTestServer(t)
	env.limiter.Reload(&config.RateLimitConfig{
		Default: config.RateLimitRule{MaxRequests: 1, WindowSeconds: 60, BurstSize: 1},
		Settings: config.RateLimitSettings{
			EnableRateLimiting: true,
			WhitelistLocalhost: true,
		},
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "127.0.0.1:40000"
		rec := httptest.NewRecorder()
		env.mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestPathTreeEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "team/proj/exp1", storage.StatusFinished)
	env.seedRun(t, "20250102_120000_def456", "team/proj/exp2", storage.StatusRunning)

	rec := env.do(t, http.MethodGet, "/api/paths/tree", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	tree, ok := body["tree"].([]interface{})
	require.True(t, ok)
	require.Len(t, tree, 1)
	rootNode := tree[0].(map[string]interface{})
	assert.Equal(t, "team", rootNode["name"])
	assert.EqualValues(t, 2, rootNode["total_runs"])
}

func TestPathExportCSV(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	rec := env.do(t, http.MethodGet, "/api/paths/export?path=demo/exp1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "run_id")
	assert.Contains(t, rec.Body.String(), testRunID)
}

func TestStorageStatsEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.seedRun(t, testRunID, "demo/exp1", storage.StatusFinished)

	rec := env.do(t, http.MethodGet, "/api/storage/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["runs"])
	assert.Equal(t, env.root, body["storage_root"])
}

func TestRemoteEndpointsUnavailableWithoutKeys(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/remote/connect",
		map[string]interface{}{"host": "example.com", "username": "u"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
