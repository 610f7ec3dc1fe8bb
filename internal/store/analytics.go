package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// WriteAnalyticsPoint appends one point to the analytics sink. Points are
// cheap health breadcrumbs (subgraph lag, settlement lag, report batches),
// queried by dashboards rather than application code.
func (s *Store) WriteAnalyticsPoint(ctx context.Context, kind string, fields map[string]interface{}) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics fields: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO app.analytics_points (kind, fields)
		VALUES ($1, $2)`,
		kind, body,
	)
	if err != nil {
		return fmt.Errorf("failed to write analytics point: %w", err)
	}
	return nil
}
