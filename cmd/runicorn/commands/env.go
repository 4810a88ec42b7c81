package commands

import (
	"database/sql"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/blob"
	"github.com/runicorn/runicorn/config"
	"github.com/runicorn/runicorn/db"
	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/logger"
	"github.com/runicorn/runicorn/metrics"
	"github.com/runicorn/runicorn/storage"
)

// storageEnv bundles the handles most commands need: the resolved storage
// root, the mirror database, and the stores layered on top.
type storageEnv struct {
	Cfg    *config.Config
	Root   string
	DB     *sql.DB
	Store  *storage.RunStore
	Blobs  *blob.Store
	Bin    *storage.RecycleBin
	Engine *metrics.Engine
}

func (e *storageEnv) Close() {
	if e.DB != nil {
		e.DB.Close()
	}
}

// openStorageEnv resolves the storage root (flag > config > default) and
// opens the mirror, rebuilding it if corrupt.
func openStorageEnv(cmd *cobra.Command) (*storageEnv, error) {
	override, _ := cmd.Flags().GetString("storage")

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	root, err := config.StorageRoot(override)
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	conn, err := db.OpenOrRebuild(filepath.Join(root, storage.MirrorDBName), log)
	if err != nil {
		return nil, errors.Wrap(err, "open mirror database")
	}

	store := storage.NewRunStore(conn)
	blobs, err := blob.NewStore(filepath.Join(root, storage.ArchiveDirName), log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &storageEnv{
		Cfg:    cfg,
		Root:   root,
		DB:     conn,
		Store:  store,
		Blobs:  blobs,
		Bin:    &storage.RecycleBin{Root: root, Store: store, Blobs: blobs, Logger: log},
		Engine: metrics.NewEngine(metrics.DefaultCacheCapacity, log),
	}, nil
}
