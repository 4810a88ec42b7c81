package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runicorn/runicorn/errors"
)

// OpenOrRebuild opens and migrates the mirror database. If the file is
// corrupt it is moved aside to <path>.corrupt.<ts> and a fresh database is
// created; the mirror is a cache and is rebuilt from the filesystem by the
// next reconciliation pass.
func OpenOrRebuild(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := open(path, logger)
	if err == nil {
		return db, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}

	quarantine := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if logger != nil {
		logger.Warnw("Database corrupt, moving aside and rebuilding",
			"path", path,
			"quarantine", quarantine,
			"error", err,
		)
	}
	if renameErr := os.Rename(path, quarantine); renameErr != nil {
		return nil, errors.Wrap(renameErr, "quarantine corrupt database")
	}
	// WAL sidecars belong to the corrupt db
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")

	return open(path, logger)
}

func open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	// Integrity is verified up front so corruption surfaces here, not
	// mid-request.
	var result string
	if err := db.QueryRow("PRAGMA integrity_check(1)").Scan(&result); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "integrity check")
	}
	if result != "ok" {
		db.Close()
		return nil, errors.Newf("integrity check failed: %s", result)
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func isCorrupt(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "integrity check failed")
}
