package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// --- Durable queue ---
//
// At-least-once delivery over one table. Producers insert PENDING rows;
// consumers claim the oldest due row with FOR UPDATE SKIP LOCKED, lease it,
// and move it to DONE or back to PENDING with backoff. Crashed consumers are
// covered by the reclaim pass on expired leases.

// Enqueue inserts a message deliverable after the given delay.
func (s *Store) Enqueue(ctx context.Context, msgType string, payload interface{}, delay time.Duration) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO app.queue_messages (id, type, payload, status, deliver_after)
		VALUES ($1, $2, $3, 'PENDING', NOW() + $4::interval)`,
		id, msgType, body, durationToInterval(delay),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s message: %w", msgType, err)
	}
	return id, nil
}

// ClaimNextMessage leases the oldest due PENDING message. Returns nil when
// the queue has nothing due. SKIP LOCKED keeps concurrent consumers from
// claiming the same row.
func (s *Store) ClaimNextMessage(ctx context.Context, lease time.Duration) (*models.QueueMessage, error) {
	var m models.QueueMessage
	err := s.db.QueryRow(ctx, `
		UPDATE app.queue_messages
		SET status = 'ACTIVE',
		    lease_expires_at = NOW() + $1::interval,
		    attempt = attempt + 1
		WHERE id = (
			SELECT id FROM app.queue_messages
			WHERE status = 'PENDING' AND deliver_after <= NOW()
			ORDER BY deliver_after ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload, status, deliver_after, attempt`,
		durationToInterval(lease),
	).Scan(&m.ID, &m.Type, &m.Payload, &m.Status, &m.DeliverAfter, &m.Attempt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue message: %w", err)
	}
	return &m, nil
}

// CompleteMessage marks a claimed message DONE.
func (s *Store) CompleteMessage(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.queue_messages
		SET status = 'DONE', lease_expires_at = NULL
		WHERE id = $1`,
		id,
	)
	return err
}

// FailMessage returns a claimed message to PENDING with exponential backoff,
// or parks it as FAILED once the attempt cap is reached. The attempt counter
// was already advanced by the claim.
func (s *Store) FailMessage(ctx context.Context, id string, attempt, maxAttempts int, errMessage string) error {
	if attempt >= maxAttempts {
		_, err := s.db.Exec(ctx, `
			UPDATE app.queue_messages
			SET status = 'FAILED', lease_expires_at = NULL, last_error = $2
			WHERE id = $1`,
			id, errMessage,
		)
		return err
	}

	backoff := backoffDelay(attempt)
	_, err := s.db.Exec(ctx, `
		UPDATE app.queue_messages
		SET status = 'PENDING',
		    lease_expires_at = NULL,
		    deliver_after = NOW() + $2::interval,
		    last_error = $3
		WHERE id = $1`,
		id, durationToInterval(backoff), errMessage,
	)
	return err
}

// ReclaimExpiredMessages returns expired ACTIVE leases to PENDING so crashed
// consumers never strand messages. Returns the number reclaimed.
func (s *Store) ReclaimExpiredMessages(ctx context.Context) (int64, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE app.queue_messages
		SET status = 'PENDING', lease_expires_at = NULL
		WHERE status = 'ACTIVE' AND lease_expires_at < NOW()`,
	)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// QueueDepthByStatus counts messages per status for the ops surface.
func (s *Store) QueueDepthByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*) FROM app.queue_messages GROUP BY status`,
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

// backoffDelay doubles from 10s per attempt, capped at 15 minutes.
func backoffDelay(attempt int) time.Duration {
	d := 10 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}

func durationToInterval(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%f seconds", d.Seconds())
}
