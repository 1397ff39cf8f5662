package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/peebot/internal/storage/types"
)

// UpsertChannel registers a channel. An existing row keeps its identity,
// group and unit; only description and active flag are refreshed.
func (s *Store) UpsertChannel(ctx context.Context, ch *types.Channel) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (identity, description, grp, unit, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			description = excluded.description,
			active = excluded.active
	`, ch.Identity, ch.Description, ch.Group, ch.Unit, ch.Active)
	if err != nil {
		return classify(fmt.Errorf("upsert channel %s: %w", ch.Identity, err))
	}
	return nil
}

// GetChannel returns one channel.
func (s *Store) GetChannel(ctx context.Context, identity string) (*types.Channel, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ch types.Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, description, grp, unit, active
		FROM channels WHERE identity = ?
	`, identity).Scan(&ch.Identity, &ch.Description, &ch.Group, &ch.Unit, &ch.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", identity, ErrChannelNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get channel %s: %w", identity, err))
	}
	return &ch, nil
}

// ListChannels returns all channels ordered by identity.
func (s *Store) ListChannels(ctx context.Context) ([]*types.Channel, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, description, grp, unit, active
		FROM channels ORDER BY identity
	`)
	if err != nil {
		return nil, classify(fmt.Errorf("list channels: %w", err))
	}
	defer rows.Close()

	var channels []*types.Channel
	for rows.Next() {
		var ch types.Channel
		if err := rows.Scan(&ch.Identity, &ch.Description, &ch.Group, &ch.Unit, &ch.Active); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// SetChannelActive flips the activation flag.
func (s *Store) SetChannelActive(ctx context.Context, identity string, active bool) error {
	return s.updateChannel(ctx, identity, `UPDATE channels SET active = ? WHERE identity = ?`, active)
}

// SetChannelDescription replaces the description.
func (s *Store) SetChannelDescription(ctx context.Context, identity, description string) error {
	return s.updateChannel(ctx, identity, `UPDATE channels SET description = ? WHERE identity = ?`, description)
}

func (s *Store) updateChannel(ctx context.Context, identity, query string, value interface{}) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, value, identity)
	if err != nil {
		return classify(fmt.Errorf("update channel %s: %w", identity, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", identity, ErrChannelNotFound)
	}
	return nil
}
