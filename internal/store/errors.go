package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/xtxerr/peebot/internal/errors"
)

var (
	ErrNotFound         = errors.ErrNotFound
	ErrChannelNotFound  = errors.ErrChannelNotFound
	ErrStoreUnavailable = errors.ErrStoreUnavailable
	ErrTimeout          = errors.ErrTimeout
	ErrBusy             = errors.ErrBusy
	ErrDuplicate        = errors.ErrDuplicate
)

// classify attaches the taxonomy sentinel matching a driver error.
// Unrecognized errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Mark(err, ErrTimeout)
	case errors.Is(err, sql.ErrConnDone):
		return errors.Mark(err, ErrStoreUnavailable)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "Conflict on tuple"),
		strings.Contains(msg, "write-write conflict"),
		strings.Contains(msg, "TransactionContext Error"):
		return errors.Mark(err, ErrBusy)
	case strings.Contains(msg, "Duplicate key"),
		strings.Contains(msg, "violates primary key constraint"),
		strings.Contains(msg, "violates unique constraint"):
		return errors.Mark(err, ErrDuplicate)
	case strings.Contains(msg, "database has been closed"),
		strings.Contains(msg, "Connection Error"),
		strings.Contains(msg, "IO Error"):
		return errors.Mark(err, ErrStoreUnavailable)
	}

	return err
}
