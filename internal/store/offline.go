package store

import (
	"context"
	"fmt"
)

// OfflineMessage is one undelivered direct message, per spec.md §3.
type OfflineMessage struct {
	Sender    string
	Body      string
	Timestamp string
}

// EnqueueOffline writes a new undelivered row. Called when a PRIVATE frame
// targets a recipient with no live Client.
func (s *Store) EnqueueOffline(ctx context.Context, sender, recipient, body, timestamp string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_messages (sender, recipient, message, timestamp, delivered) VALUES (?, ?, ?, ?, 0)`,
		sender, recipient, body, timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue offline message: %w", err)
	}
	return nil
}

// DrainOffline returns every undelivered message for recipient, in insertion
// order, and marks them delivered. Already-delivered rows are never deleted
// (spec.md §3 invariant) and are never returned again by a later drain.
func (s *Store) DrainOffline(ctx context.Context, recipient string) ([]OfflineMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, message, timestamp FROM offline_messages WHERE recipient = ? AND delivered = 0 ORDER BY id`,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query offline messages: %w", err)
	}

	var (
		out []OfflineMessage
		ids []int64
	)
	for rows.Next() {
		var (
			id  int64
			msg OfflineMessage
		)
		if err := rows.Scan(&id, &msg.Sender, &msg.Body, &msg.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan offline message: %w", err)
		}
		ids = append(ids, id)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE offline_messages SET delivered = 1 WHERE id = ?`, id); err != nil {
			return out, fmt.Errorf("store: mark offline message delivered: %w", err)
		}
	}
	return out, nil
}
