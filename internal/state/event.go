package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/peebot/internal/constants"
)

const eventColumns = `id, event_type, channel, occurrence_key, detector, detected_at_ns, confidence, metadata,
	action_status, action_id, posted_at_ns, action_attempts, last_action_error, created_at_ns`

// insertEvent inserts e unless (type, channel, occurrence key) is already
// stored. It reports whether a row was created.
func insertEvent(ctx context.Context, tx *sql.Tx, e *Event, now time.Time) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ActionStatus == "" {
		e.ActionStatus = constants.ActionPending
	}
	e.CreatedAt = now

	var md interface{}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode metadata: %w", err)
		}
		md = string(b)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, event_type, channel, occurrence_key, detector, detected_at_ns, confidence, metadata, action_status, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_type, channel, occurrence_key) DO NOTHING
	`, e.ID, e.Type, e.Channel, e.OccurrenceKey, e.Detector, e.DetectedAt.UnixNano(), e.Confidence, md,
		e.ActionStatus, now.UnixNano())
	if err != nil {
		return false, classify(fmt.Errorf("insert event %s/%s/%s: %w", e.Type, e.Channel, e.OccurrenceKey, err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, classify(fmt.Errorf("get event %s: %w", id, err))
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	return events[0], nil
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "action_status = ?")
		args = append(args, f.Status)
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.Type)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at_ns DESC, id`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list events: %w", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// PendingActions lists un-actioned events created before olderThan whose
// attempt count is below maxAttempts, oldest first.
func (s *Store) PendingActions(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]*Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE posted_at_ns IS NULL
		  AND action_status IN (?, ?)
		  AND created_at_ns < ?
		  AND action_attempts < ?
		ORDER BY created_at_ns
		LIMIT ?
	`, constants.ActionPending, constants.ActionFailed, olderThan.UnixNano(), maxAttempts, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list pending actions: %w", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// RecordActionResult records a successful action exactly once.
// A second call for the same event returns ErrAlreadyActioned.
func (s *Store) RecordActionResult(ctx context.Context, id, actionID string, postedAt time.Time) error {
	return s.updateAction(ctx, id, `
		UPDATE events
		SET action_status = ?, action_id = ?, posted_at_ns = ?, action_attempts = action_attempts + 1, last_action_error = ''
		WHERE id = ? AND posted_at_ns IS NULL
	`, constants.ActionPosted, actionID, postedAt.UnixNano(), id)
}

// RecordActionFailure counts one failed attempt and keeps the event un-actioned.
func (s *Store) RecordActionFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.updateAction(ctx, id, `
		UPDATE events
		SET action_status = ?, action_attempts = action_attempts + 1, last_action_error = ?
		WHERE id = ? AND posted_at_ns IS NULL
	`, constants.ActionFailed, msg, id)
}

// MarkSuppressed marks an un-actioned event as suppressed by the dispatcher
// cooldown. Suppressed events are never posted.
func (s *Store) MarkSuppressed(ctx context.Context, id, reason string) error {
	return s.updateAction(ctx, id, `
		UPDATE events
		SET action_status = ?, last_action_error = ?
		WHERE id = ? AND posted_at_ns IS NULL
	`, constants.ActionSuppressed, reason, id)
}

func (s *Store) updateAction(ctx context.Context, id, query string, args ...interface{}) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	// No row changed: either unknown, or already actioned.
	var posted sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT posted_at_ns FROM events WHERE id = ?`, id).Scan(&posted)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	if err != nil {
		return classify(fmt.Errorf("lookup event %s: %w", id, err))
	}
	return fmt.Errorf("%s: %w", id, ErrAlreadyActioned)
}

// LastPosted returns the latest posted time for (eventType, channel).
func (s *Store) LastPosted(ctx context.Context, eventType, channel string) (time.Time, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var posted sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(posted_at_ns) FROM events WHERE event_type = ? AND channel = ?
	`, eventType, channel).Scan(&posted)
	if err != nil {
		return time.Time{}, false, classify(fmt.Errorf("last posted %s/%s: %w", eventType, channel, err))
	}
	if !posted.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(posted.Int64), true, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count events: %w", err))
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			e                 Event
			detected, created int64
			md, actionID      sql.NullString
			posted            sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Channel, &e.OccurrenceKey, &e.Detector, &detected, &e.Confidence, &md,
			&e.ActionStatus, &actionID, &posted, &e.ActionAttempts, &e.LastActionError, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.DetectedAt = fromNanos(detected)
		e.CreatedAt = fromNanos(created)
		e.ActionID = actionID.String
		if posted.Valid {
			t := fromNanos(posted.Int64)
			e.PostedAt = &t
		}
		if md.Valid && md.String != "" {
			if err := json.Unmarshal([]byte(md.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, classify(rows.Err())
}
