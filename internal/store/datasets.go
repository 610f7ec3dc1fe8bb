package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// CreateDataSet inserts a data set row. Chain events are delivered
// at-least-once, so a replayed insert is a no-op.
func (s *Store) CreateDataSet(ctx context.Context, d models.DataSet) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.data_sets (id, service_provider_id, payer_address, with_cdn, with_ipfs_indexing)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.ServiceProviderID, d.PayerAddress, d.WithCDN, d.WithIPFSIndexing,
	)
	if err != nil {
		return fmt.Errorf("failed to insert data set: %w", err)
	}
	return nil
}

// GetDataSet returns the data set row, or nil when unknown.
func (s *Store) GetDataSet(ctx context.Context, id string) (*models.DataSet, error) {
	var d models.DataSet
	err := s.db.QueryRow(ctx, `
		SELECT id, service_provider_id, payer_address, with_cdn, with_ipfs_indexing,
		       total_egress_bytes_used, usage_reported_until, cdn_payments_settled_until,
		       pending_usage_report_tx_hash, terminate_service_tx_hash, lockup_unlocks_at, created_at
		FROM app.data_sets
		WHERE id = $1`,
		id,
	).Scan(
		&d.ID, &d.ServiceProviderID, &d.PayerAddress, &d.WithCDN, &d.WithIPFSIndexing,
		&d.TotalEgressBytesUsed, &d.UsageReportedUntil, &d.CDNPaymentsSettledUntil,
		&d.PendingUsageReportTxHash, &d.TerminateServiceTxHash, &d.LockupUnlocksAt, &d.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDataSetPayer returns the payer address for a data set, "" when unknown.
func (s *Store) GetDataSetPayer(ctx context.Context, id string) (string, error) {
	var payer string
	err := s.db.QueryRow(ctx, `SELECT payer_address FROM app.data_sets WHERE id = $1`, id).Scan(&payer)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return payer, nil
}

// TerminateCDNService flips with_cdn off and records when the remaining
// lockup unlocks. txHash is only present for full service terminations.
func (s *Store) TerminateCDNService(ctx context.Context, id string, lockupUnlocksAt time.Time, txHash *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.data_sets
		SET with_cdn = FALSE,
		    lockup_unlocks_at = $2,
		    terminate_service_tx_hash = COALESCE($3, terminate_service_tx_hash)
		WHERE id = $1`,
		id, lockupUnlocksAt, txHash,
	)
	return err
}

// SettleCDNPayments advances cdn_payments_settled_until. The watermark never
// moves backwards regardless of event delivery order.
func (s *Store) SettleCDNPayments(ctx context.Context, id string, settledUntil time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.data_sets
		SET cdn_payments_settled_until = GREATEST(cdn_payments_settled_until, $2)
		WHERE id = $1`,
		id, settledUntil,
	)
	return err
}
