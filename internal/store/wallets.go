package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// UpsertWalletDetails records a screening result for an address. Addresses
// are stored lowercased; callers normalize before writing.
func (s *Store) UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.wallet_details (address, is_sanctioned, last_screened_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			is_sanctioned = EXCLUDED.is_sanctioned,
			last_screened_at = EXCLUDED.last_screened_at`,
		address, isSanctioned, screenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet details: %w", err)
	}
	return nil
}

// GetWalletDetails returns the wallet row, or nil when never screened.
func (s *Store) GetWalletDetails(ctx context.Context, address string) (*models.WalletDetails, error) {
	var w models.WalletDetails
	err := s.db.QueryRow(ctx, `
		SELECT address, is_sanctioned, last_screened_at
		FROM app.wallet_details
		WHERE address = $1`,
		address,
	).Scan(&w.Address, &w.IsSanctioned, &w.LastScreenedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetStaleWallets returns up to limit addresses whose screening result is
// missing or older than staleBefore, oldest first so nothing starves.
func (s *Store) GetStaleWallets(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT address
		FROM app.wallet_details
		WHERE last_screened_at IS NULL OR last_screened_at < $1
		ORDER BY last_screened_at ASC NULLS FIRST
		LIMIT $2`,
		staleBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}
