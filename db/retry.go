package db

import (
	"context"
	"strings"
	"time"

	"github.com/runicorn/runicorn/errors"
)

const (
	busyMaxAttempts = 5
	busyTotalBudget = 2 * time.Second
)

// WithBusyRetry runs fn, retrying with exponential backoff when SQLite
// reports the database is busy or locked. Gives up after 5 attempts or a
// total 2 s budget, whichever comes first, returning ErrUnavailable so the
// HTTP boundary maps it to 503.
func WithBusyRetry(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	deadline := time.Now().Add(busyTotalBudget)

	var err error
	for attempt := 1; attempt <= busyMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyMaxAttempts || time.Now().Add(backoff).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errors.Wrap(errors.ErrUnavailable, err.Error())
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
