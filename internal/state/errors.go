package state

import (
	"context"
	"database/sql"
	"strings"

	"github.com/xtxerr/peebot/internal/errors"
)

var (
	ErrCheckpointNotFound = errors.ErrCheckpointNotFound
	ErrEventNotFound      = errors.ErrEventNotFound
	ErrLockHeld           = errors.ErrLockHeld
	ErrLeaseLost          = errors.ErrLeaseLost
	ErrAlreadyActioned    = errors.ErrAlreadyActioned
	ErrBusy               = errors.ErrBusy
)

// classify attaches the taxonomy sentinel matching a driver error.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Mark(err, errors.ErrTimeout)
	case errors.Is(err, sql.ErrConnDone):
		return errors.Mark(err, errors.ErrStoreUnavailable)
	case isBusy(err):
		return errors.Mark(err, ErrBusy)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "constraint failed: PRIMARY KEY"):
		return errors.Mark(err, errors.ErrDuplicate)
	case strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "disk I/O error"),
		strings.Contains(msg, "unable to open database"):
		return errors.Mark(err, errors.ErrStoreUnavailable)
	}
	return err
}

// isBusy reports SQLITE_BUSY (5) and SQLITE_LOCKED (6).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
