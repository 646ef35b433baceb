package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
)

// SaveMessage persists msg and one delivery row in state sent per recipient.
func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message, recipients []string) error {
	envelope, err := crypto.MarshalEnvelope(msg.Envelope)
	if err != nil {
		return fmt.Errorf("store: encode envelope: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO message (id, channel_id, sender_id, type, envelope, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChannelID, msg.SenderID, msg.Type, envelope, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	for _, r := range recipients {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO delivery (message_id, recipient_id, state, updated_at) VALUES (?, ?, ?, ?)",
			msg.ID, r, int(domain.StateSent), msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: insert delivery: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit message: %w", err)
	}
	return nil
}

// Message loads a message. Its DeliveryState is the lowest state across
// recipients, so "read" means every recipient has read it.
func (s *Store) Message(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.channel_id, m.sender_id, m.type, m.envelope, m.created_at,
		       (SELECT MIN(d.state) FROM delivery d WHERE d.message_id = m.id)
		FROM message m WHERE m.id = ?`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AdvanceDelivery moves the (message, recipient) state forward to state.
// It is a compare-and-set: a state at or beyond the target is left alone and
// reported as unchanged, so replays and late "delivered" after "read" are no-ops.
func (s *Store) AdvanceDelivery(ctx context.Context, messageID, recipientID string, state domain.DeliveryState) (bool, error) {
	if state < domain.StateDelivered || state > domain.StateRead {
		return false, fmt.Errorf("store: cannot advance to %v", state)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE delivery SET state = ?, updated_at = ? WHERE message_id = ? AND recipient_id = ? AND state < ?",
		int(state), time.Now().UnixMilli(), messageID, recipientID, int(state),
	)
	if err != nil {
		return false, fmt.Errorf("store: advance delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: advance delivery: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		"SELECT 1 FROM delivery WHERE message_id = ? AND recipient_id = ?", messageID, recipientID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("delivery %s/%s: %w", messageID, recipientID, domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("store: check delivery: %w", err)
	}
	return false, nil
}

// DeliveryStates returns the per-recipient state of a message
func (s *Store) DeliveryStates(ctx context.Context, messageID string) (map[string]domain.DeliveryState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT recipient_id, state FROM delivery WHERE message_id = ?", messageID)
	if err != nil {
		return nil, fmt.Errorf("store: delivery states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.DeliveryState)
	for rows.Next() {
		var (
			recipient string
			state     int
		)
		if err := rows.Scan(&recipient, &state); err != nil {
			return nil, fmt.Errorf("store: scan delivery: %w", err)
		}
		out[recipient] = domain.DeliveryState(state)
	}
	return out, rows.Err()
}

// Pending returns up to limit messages still in state sent for recipientID,
// oldest first.
func (s *Store) Pending(ctx context.Context, recipientID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.channel_id, m.sender_id, m.type, m.envelope, m.created_at, d.state
		FROM message m JOIN delivery d ON d.message_id = m.id
		WHERE d.recipient_id = ? AND d.state = ?
		ORDER BY m.created_at, m.rowid
		LIMIT ?`, recipientID, int(domain.StateSent), limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		msg      domain.Message
		envelope []byte
		state    sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Type, &envelope, &msg.CreatedAt, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	env, err := crypto.UnmarshalEnvelope(envelope)
	if err != nil {
		return nil, fmt.Errorf("store: decode envelope of %s: %w", msg.ID, err)
	}
	msg.Envelope = env
	msg.DeliveryState = domain.StateSent
	if state.Valid {
		msg.DeliveryState = domain.DeliveryState(state.Int64)
	}
	return &msg, nil
}
