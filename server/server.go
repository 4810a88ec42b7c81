// Package server exposes the viewer's HTTP and WebSocket surface.
package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/blob"
	"github.com/runicorn/runicorn/config"
	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/metrics"
	"github.com/runicorn/runicorn/remote"
	"github.com/runicorn/runicorn/storage"
	"github.com/runicorn/runicorn/watcher"
)

// Request deadlines. Metrics queries may legitimately scan large files, so
// they get the longer budget.
const (
	defaultRequestTimeout = 30 * time.Second
	metricsRequestTimeout = 60 * time.Second
)

// Server wires storage, metrics, assets, and the remote supervisor behind
// one HTTP mux.
type Server struct {
	cfg    *config.Config
	root   string // storage root
	db     *sql.DB
	store  *storage.RunStore
	engine *metrics.Engine
	blobs  *blob.Store
	bin    *storage.RecycleBin
	watch  *watcher.Watcher

	pool       *remote.Pool
	keys       *remote.HostKeyStore
	supervisor *remote.Supervisor

	limiter     *rateLimiter
	rateWatcher *config.RateLimitWatcher

	logger     *zap.SugaredLogger
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the dependencies assembled by the CLI.
type Options struct {
	Config *config.Config
	Root   string
	DB     *sql.DB
	Store  *storage.RunStore
	Engine *metrics.Engine
	Blobs  *blob.Store
	Bin    *storage.RecycleBin
	Watch  *watcher.Watcher
	Keys   *remote.HostKeyStore
	Logger *zap.SugaredLogger
}

// New builds a server. Rate limiting starts from the JSON config on disk and
// hot-reloads on change.
func New(opts Options) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    opts.Config,
		root:   opts.Root,
		db:     opts.DB,
		store:  opts.Store,
		engine: opts.Engine,
		blobs:  opts.Blobs,
		bin:    opts.Bin,
		watch:  opts.Watch,
		keys:   opts.Keys,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if opts.Keys != nil {
		s.pool = remote.NewPool(opts.Keys, opts.Logger)
		s.supervisor = remote.NewSupervisor(s.pool, opts.Keys, opts.Logger)
	}

	rlPath := config.RateLimitConfigPath()
	rlCfg, err := config.LoadRateLimitConfig(rlPath)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("Rate-limit config unreadable, using defaults", "path", rlPath, "error", err)
		}
		rlCfg = config.DefaultRateLimitConfig()
	}
	s.limiter = newRateLimiter(rlCfg, opts.Logger)

	rw, err := config.NewRateLimitWatcher(rlPath)
	if err == nil {
		rw.OnReload(func(updated *config.RateLimitConfig) error {
			s.limiter.Reload(updated)
			return nil
		})
		rw.Start()
		s.rateWatcher = rw
	} else if s.logger != nil {
		s.logger.Warnw("Rate-limit hot reload unavailable", "error", err)
	}

	return s, nil
}

// Start begins serving on host:port and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(host string, port int) error {
	mux := http.NewServeMux()
	s.setupHTTPRoutes(mux)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultRequestTimeout,
		WriteTimeout: 2 * metricsRequestTimeout, // websocket streams excluded via hijack
		IdleTimeout:  120 * time.Second,
	}

	if s.watch != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch.Run(s.ctx)
		}()
	}

	if s.logger != nil {
		s.logger.Infow("Viewer listening", "addr", addr, "storage_root", s.root)
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http server")
}

// Shutdown stops the HTTP server and background loops gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.rateWatcher != nil {
		s.rateWatcher.Stop()
	}
	if s.pool != nil {
		s.pool.Close()
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return errors.Wrap(err, "shutdown http server")
}
