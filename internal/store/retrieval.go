package store

import (
	"context"
	"fmt"
	"math/big"

	"filbeam-backend/internal/models"
)

// GetRetrievalCandidates returns every piece→data_set→provider→wallet→quota
// row for the CID. The gateway applies the authorization ladder over the
// result; keeping the rows unfiltered lets it distinguish "piece unknown"
// from "known but not payable by this payer".
func (s *Store) GetRetrievalCandidates(ctx context.Context, cid string) ([]models.RetrievalCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, d.id, d.payer_address, d.with_cdn, d.service_provider_id,
		       sp.service_url, sp.is_deleted, w.is_sanctioned,
		       q.cdn_egress_quota::text, q.cache_miss_egress_quota::text
		FROM app.pieces p
		JOIN app.data_sets d ON d.id = p.data_set_id
		LEFT JOIN app.service_providers sp ON sp.id = d.service_provider_id
		LEFT JOIN app.wallet_details w ON w.address = d.payer_address
		LEFT JOIN app.data_set_egress_quotas q ON q.data_set_id = d.id
		WHERE p.cid = $1 AND p.is_deleted = FALSE`,
		cid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RetrievalCandidate
	for rows.Next() {
		var (
			c        models.RetrievalCandidate
			cdnStr   *string
			cacheStr *string
		)
		if err := rows.Scan(
			&c.PieceID, &c.DataSetID, &c.PayerAddress, &c.WithCDN, &c.ServiceProviderID,
			&c.ServiceURL, &c.ProviderDeleted, &c.Sanctioned,
			&cdnStr, &cacheStr,
		); err != nil {
			return nil, err
		}
		c.CDNQuota = parseNumeric(cdnStr)
		c.CacheMissQuota = parseNumeric(cacheStr)
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseNumeric(s *string) *big.Int {
	if s == nil {
		return nil
	}
	n, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return n
}

// LogRetrievalResult appends one row to retrieval_logs.
func (s *Store) LogRetrievalResult(ctx context.Context, l models.RetrievalLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.retrieval_logs (
			timestamp, response_status, egress_bytes, cache_miss,
			fetch_ttfb_ms, fetch_ttlb_ms, worker_ttfb_ms,
			request_country_code, data_set_id, bot_name
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
		l.Timestamp, l.ResponseStatus, l.EgressBytes, l.CacheMiss,
		l.FetchTTFBMs, l.FetchTTLBMs, l.WorkerTTFBMs,
		l.RequestCountryCode, l.DataSetID, l.BotName,
	)
	if err != nil {
		return fmt.Errorf("failed to insert retrieval log: %w", err)
	}
	return nil
}

// UpdateDataSetStats adds egressBytes to the data set's running total and,
// when enforcement is on, decrements the quotas: CDN always, cache-miss only
// for cache-miss traffic. Quotas are allowed to go negative; the on-chain cap
// reconciles later.
func (s *Store) UpdateDataSetStats(ctx context.Context, dataSetID string, egressBytes int64, cacheMiss, enforce bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE app.data_sets
		SET total_egress_bytes_used = total_egress_bytes_used + $2
		WHERE id = $1`,
		dataSetID, egressBytes,
	); err != nil {
		return fmt.Errorf("failed to update data set totals: %w", err)
	}

	if enforce {
		cdnDelta := new(big.Int).SetInt64(-egressBytes)
		cacheDelta := new(big.Int)
		if cacheMiss {
			cacheDelta.SetInt64(-egressBytes)
		}
		if _, err := tx.Exec(ctx, upsertQuotaDeltaSQL, dataSetID, cdnDelta.String(), cacheDelta.String()); err != nil {
			return fmt.Errorf("failed to decrement egress quotas: %w", err)
		}
	}

	return tx.Commit(ctx)
}
