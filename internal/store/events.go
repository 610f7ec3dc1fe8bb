package store

import (
	"context"
	"fmt"
)

// MarkEventProcessed records an (event_type, entity_id) idempotency key and
// reports whether this call was the first to do so. Chain events are
// delivered at-least-once; handlers that must not replay gate on the return
// value.
func (s *Store) MarkEventProcessed(ctx context.Context, eventType, entityID string) (bool, error) {
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO app.processed_events (event_type, entity_id)
		VALUES ($1, $2)
		ON CONFLICT (event_type, entity_id) DO NOTHING`,
		eventType, entityID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}
