package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/config"
	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/logger"
	"github.com/runicorn/runicorn/remote"
	"github.com/runicorn/runicorn/server"
	"github.com/runicorn/runicorn/storage"
	"github.com/runicorn/runicorn/version"
	"github.com/runicorn/runicorn/watcher"
)

// ViewerCmd starts the viewer server.
var ViewerCmd = &cobra.Command{
	Use:     "viewer",
	Aliases: []string{"serve"},
	Short:   "Start the Runicorn viewer server",
	Long: `Launch the viewer: serves the run listing, metrics, logs, and artifacts
over HTTP, keeps the SQLite mirror reconciled with the storage root, and
supervises remote viewers over SSH tunnels.`,
	RunE: runViewer,
}

var (
	viewerHost       string
	viewerPort       int
	viewerRemoteMode bool
)

func init() {
	ViewerCmd.Flags().StringVar(&viewerHost, "host", "", "Listen address (default from config)")
	ViewerCmd.Flags().IntVar(&viewerPort, "port", 0, "Listen port (default from config)")
	ViewerCmd.Flags().BoolVar(&viewerRemoteMode, "remote-mode", false,
		"Run as a tunnel target: bind localhost only, no remote supervisor")
}

func runViewer(cmd *cobra.Command, args []string) error {
	env, err := openStorageEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	host := viewerHost
	if host == "" {
		host = env.Cfg.Viewer.Host
	}
	port := viewerPort
	if port == 0 {
		port = env.Cfg.Viewer.Port
	}
	if viewerRemoteMode {
		host = "127.0.0.1"
	}

	reconciler := &storage.Reconciler{
		Root:        env.Root,
		Store:       env.Store,
		MetricStats: env.Engine.RunStats,
		Logger:      logger.Logger,
	}
	watch := watcher.New(env.Root, env.Store, reconciler, env.Engine, env.Bin, logger.Logger)
	applyWatcherConfig(watch, env.Cfg)

	var keys *remote.HostKeyStore
	if !viewerRemoteMode {
		keys, err = remote.NewHostKeyStore(config.KnownHostsPath())
		if err != nil {
			logger.Warnw("Host key store unavailable, remote support disabled", "error", err)
			keys = nil
		}
	}

	srv, err := server.New(server.Options{
		Config: env.Cfg,
		Root:   env.Root,
		DB:     env.DB,
		Store:  env.Store,
		Engine: env.Engine,
		Blobs:  env.Blobs,
		Bin:    env.Bin,
		Watch:  watch,
		Keys:   keys,
		Logger: logger.Logger,
	})
	if err != nil {
		return errors.Wrap(err, "create server")
	}

	printViewerBanner(env.Root, host, port)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(host, port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		pterm.Info.Printf("Received %s, shutting down\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func applyWatcherConfig(w *watcher.Watcher, cfg *config.Config) {
	if cfg.Watcher.ScanIntervalSeconds > 0 {
		w.ScanInterval = time.Duration(cfg.Watcher.ScanIntervalSeconds) * time.Second
	}
	if cfg.Watcher.ZombieThresholdHours > 0 {
		w.ZombieThreshold = time.Duration(cfg.Watcher.ZombieThresholdHours) * time.Hour
	}
	if cfg.Watcher.RecycleRetentionDays > 0 {
		w.RecycleRetention = time.Duration(cfg.Watcher.RecycleRetentionDays) * 24 * time.Hour
	}
}

func printViewerBanner(root, host string, port int) {
	info := version.Get()

	pterm.DefaultBox.WithTitle("Runicorn Viewer").Println(
		fmt.Sprintf("Version:  %s (commit %s)\nStorage:  %s\nListen:   http://%s:%d",
			info.Version, info.Short(), root, host, port))
	pterm.Info.Println("Press Ctrl+C to stop")
}
