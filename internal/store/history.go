package store

import (
	"context"
	"fmt"
)

// AppendHistory writes one row to the append-only chat_history log. Per
// spec.md §4.C this is fire-and-forget from the dispatch worker's point of
// view: callers log the error but never let it fail user-visible messaging.
func (s *Store) AppendHistory(ctx context.Context, room, sender, body, timestamp string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (room, sender, message, timestamp) VALUES (?, ?, ?, ?)`,
		room, sender, body, timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}
