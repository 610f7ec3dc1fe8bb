package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// --- Transaction monitor persistence ---
//
// Monitors are rows, not goroutine state: the engine claims due WAITING rows,
// checks the receipt once, then terminates or reschedules them. A process
// restart resumes from the table.

// CreateTxMonitor registers a transaction for confirmation tracking.
func (s *Store) CreateTxMonitor(ctx context.Context, txHash, onSuccess string, upToTimestamp time.Time, deadline time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.tx_monitors (id, tx_hash, status, on_success, up_to_timestamp, next_check_at, deadline_at)
		VALUES ($1, $2, 'WAITING', $3, $4, NOW(), $5)`,
		id, txHash, onSuccess, upToTimestamp, deadline,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create tx monitor: %w", err)
	}
	return id, nil
}

// ClaimDueMonitors leases up to limit WAITING monitors whose next check is
// due, pushing next_check_at forward so a concurrent engine pass skips them.
func (s *Store) ClaimDueMonitors(ctx context.Context, limit int, pollInterval time.Duration) ([]models.TxMonitor, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE app.tx_monitors
		SET attempts = attempts + 1,
		    next_check_at = NOW() + $2::interval,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM app.tx_monitors
			WHERE status = 'WAITING' AND next_check_at <= NOW()
			ORDER BY next_check_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tx_hash, status, on_success, up_to_timestamp, attempts, next_check_at, deadline_at`,
		limit, durationToInterval(pollInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due monitors: %w", err)
	}
	defer rows.Close()

	var out []models.TxMonitor
	for rows.Next() {
		var m models.TxMonitor
		if err := rows.Scan(&m.ID, &m.TxHash, &m.Status, &m.OnSuccess, &m.UpToTimestamp, &m.Attempts, &m.NextCheckAt, &m.DeadlineAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FinishMonitor terminates a monitor row with its outcome status.
func (s *Store) FinishMonitor(ctx context.Context, id, status string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.tx_monitors
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, status,
	)
	return err
}

// LatestMonitorForTx returns the most recent monitor row for a transaction
// hash, or nil when the hash was never monitored.
func (s *Store) LatestMonitorForTx(ctx context.Context, txHash string) (*models.TxMonitor, error) {
	var m models.TxMonitor
	err := s.db.QueryRow(ctx, `
		SELECT id, tx_hash, status, on_success, up_to_timestamp, attempts, next_check_at, deadline_at
		FROM app.tx_monitors
		WHERE tx_hash = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		txHash,
	).Scan(&m.ID, &m.TxHash, &m.Status, &m.OnSuccess, &m.UpToTimestamp, &m.Attempts, &m.NextCheckAt, &m.DeadlineAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MonitorCountsByStatus counts monitors per status for the ops surface.
func (s *Store) MonitorCountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*) FROM app.tx_monitors GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
