package store

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// upsertQuotaDeltaSQL adds signed deltas to a data set's quotas, creating the
// row when missing. Top-ups pass positive deltas, the gateway's metering
// passes negative ones; both resolve through the same statement so concurrent
// writers only ever race at the row level.
const upsertQuotaDeltaSQL = `
	INSERT INTO app.data_set_egress_quotas (data_set_id, cdn_egress_quota, cache_miss_egress_quota)
	VALUES ($1, $2::numeric, $3::numeric)
	ON CONFLICT (data_set_id) DO UPDATE SET
		cdn_egress_quota = app.data_set_egress_quotas.cdn_egress_quota + EXCLUDED.cdn_egress_quota,
		cache_miss_egress_quota = app.data_set_egress_quotas.cache_miss_egress_quota + EXCLUDED.cache_miss_egress_quota`

// IncrementEgressQuotas adds the deltas to the data set's quotas.
func (s *Store) IncrementEgressQuotas(ctx context.Context, dataSetID string, cdnDelta, cacheMissDelta *big.Int) error {
	_, err := s.db.Exec(ctx, upsertQuotaDeltaSQL, dataSetID, cdnDelta.String(), cacheMissDelta.String())
	return err
}

// ApplyQuotaTopUp records the top-up event id and adds the quota deltas in
// one transaction, reporting whether the event was applied. A replayed event
// id leaves the quotas untouched; a failed increment rolls the id back so the
// delivery can retry.
func (s *Store) ApplyQuotaTopUp(ctx context.Context, eventID, dataSetID string, cdnDelta, cacheMissDelta *big.Int) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		INSERT INTO app.processed_events (event_type, entity_id)
		VALUES ('cdn-payment-rails-topped-up', $1)
		ON CONFLICT (event_type, entity_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record top-up event: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, upsertQuotaDeltaSQL, dataSetID, cdnDelta.String(), cacheMissDelta.String()); err != nil {
		return false, fmt.Errorf("failed to increment egress quotas: %w", err)
	}
	return true, tx.Commit(ctx)
}

// GetEgressQuotas returns the quota row, or nil when none exists yet.
func (s *Store) GetEgressQuotas(ctx context.Context, dataSetID string) (*models.EgressQuotas, error) {
	var cdnStr, cacheStr string
	err := s.db.QueryRow(ctx, `
		SELECT cdn_egress_quota::text, cache_miss_egress_quota::text
		FROM app.data_set_egress_quotas
		WHERE data_set_id = $1`,
		dataSetID,
	).Scan(&cdnStr, &cacheStr)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.EgressQuotas{
		DataSetID:            dataSetID,
		CDNEgressQuota:       parseNumeric(&cdnStr),
		CacheMissEgressQuota: parseNumeric(&cacheStr),
	}, nil
}
