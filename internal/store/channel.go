package store

import (
	"context"
	"fmt"

	"quantrelay/internal/domain"
)

// PutChannel creates or replaces a channel and its membership.
func (s *Store) PutChannel(ctx context.Context, ch domain.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO channel (id, kind) VALUES (?, ?)", ch.ID, string(ch.Kind),
	); err != nil {
		return fmt.Errorf("store: put channel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_member WHERE channel_id = ?", ch.ID); err != nil {
		return fmt.Errorf("store: clear members: %w", err)
	}
	for _, m := range ch.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO channel_member (channel_id, identity_id) VALUES (?, ?)", ch.ID, m,
		); err != nil {
			return fmt.Errorf("store: add member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit channel: %w", err)
	}
	return nil
}

// ListChannels returns every channel with its members, ordered by id.
func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, m.identity_id
		FROM channel c LEFT JOIN channel_member m ON m.channel_id = c.id
		ORDER BY c.id, m.identity_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var (
			id, kind string
			member   *string
		)
		if err := rows.Scan(&id, &kind, &member); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, domain.Channel{ID: id, Kind: domain.ChannelKind(kind)})
		}
		if member != nil {
			last := &out[len(out)-1]
			last.Members = append(last.Members, *member)
		}
	}
	return out, rows.Err()
}
