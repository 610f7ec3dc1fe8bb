package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// AggregateUnreportedUsage sums measured egress per data set in the window
// (usage_reported_until, upTo]. Data sets with an in-flight report are
// excluded via the pending-hash predicate so no row is ever counted twice.
func (s *Store) AggregateUnreportedUsage(ctx context.Context, upTo time.Time) ([]models.UsageRollup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.data_set_id,
		       SUM(r.egress_bytes) AS cdn_bytes,
		       SUM(CASE WHEN r.cache_miss THEN r.egress_bytes ELSE 0 END) AS cache_miss_bytes
		FROM app.retrieval_logs r
		JOIN app.data_sets d ON r.data_set_id = d.id
		WHERE r.timestamp > d.usage_reported_until
		  AND r.timestamp <= $1
		  AND r.egress_bytes IS NOT NULL
		  AND d.pending_usage_report_tx_hash IS NULL
		GROUP BY r.data_set_id
		HAVING SUM(r.egress_bytes) > 0
		    OR SUM(CASE WHEN r.cache_miss THEN r.egress_bytes ELSE 0 END) > 0
		ORDER BY r.data_set_id`,
		upTo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate unreported usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageRollup
	for rows.Next() {
		var u models.UsageRollup
		if err := rows.Scan(&u.DataSetID, &u.CDNBytes, &u.CacheMissBytes); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetPendingUsageReportTxHash stamps every reported data set with the
// submitted transaction hash in one statement.
func (s *Store) SetPendingUsageReportTxHash(ctx context.Context, dataSetIDs []string, txHash string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.data_sets
		SET pending_usage_report_tx_hash = $2
		WHERE id = ANY($1)`,
		dataSetIDs, txHash,
	)
	if err != nil {
		return fmt.Errorf("failed to set pending report hash: %w", err)
	}
	return nil
}

// FinalizeUsageReport advances the watermark and clears the pending hash for
// every data set still carrying txHash. Rows whose hash was already rewritten
// by a retry are untouched; the watermark itself never moves backwards.
// Returns the number of rows finalized.
func (s *Store) FinalizeUsageReport(ctx context.Context, txHash string, upTo time.Time) (int64, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE app.data_sets
		SET usage_reported_until = GREATEST(usage_reported_until, $2),
		    pending_usage_report_tx_hash = NULL
		WHERE pending_usage_report_tx_hash = $1`,
		txHash, upTo,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize usage report: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// RewritePendingTxHash atomically repoints every data set from the replaced
// transaction to its replacement. Doing this before the new monitor starts
// keeps at most one pending hash matching any batch.
func (s *Store) RewritePendingTxHash(ctx context.Context, oldHash, newHash string) (int64, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE app.data_sets
		SET pending_usage_report_tx_hash = $2
		WHERE pending_usage_report_tx_hash = $1`,
		oldHash, newHash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite pending report hash: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// ListPendingReportHashes returns the distinct in-flight report hashes and
// how long ago each was stamped, oldest first.
func (s *Store) ListPendingReportHashes(ctx context.Context) ([]models.PendingReport, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pending_usage_report_tx_hash,
		       COUNT(*) AS data_sets,
		       MAX(usage_reported_until) AS reported_until
		FROM app.data_sets
		WHERE pending_usage_report_tx_hash IS NOT NULL
		GROUP BY pending_usage_report_tx_hash
		ORDER BY reported_until ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PendingReport
	for rows.Next() {
		var p models.PendingReport
		if err := rows.Scan(&p.TxHash, &p.DataSets, &p.ReportedUntil); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OldestUnsettledDataSet returns the data set whose usage watermark lags
// furthest behind, or nil when the table is empty. The indexer cron turns
// this into a settlement-lag analytics point.
func (s *Store) OldestUnsettledDataSet(ctx context.Context) (*models.DataSet, error) {
	var d models.DataSet
	err := s.db.QueryRow(ctx, `
		SELECT id, payer_address, usage_reported_until, cdn_payments_settled_until
		FROM app.data_sets
		WHERE with_cdn = TRUE
		ORDER BY usage_reported_until ASC
		LIMIT 1`,
	).Scan(&d.ID, &d.PayerAddress, &d.UsageReportedUntil, &d.CDNPaymentsSettledUntil)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ResetUsageWatermark force-sets a data set's watermark and optionally clears
// a stuck pending hash. Operator recovery only; normal flow goes through
// FinalizeUsageReport.
func (s *Store) ResetUsageWatermark(ctx context.Context, dataSetID string, reportedUntil time.Time, clearPending bool) error {
	if clearPending {
		_, err := s.db.Exec(ctx, `
			UPDATE app.data_sets
			SET usage_reported_until = $2, pending_usage_report_tx_hash = NULL
			WHERE id = $1`,
			dataSetID, reportedUntil,
		)
		return err
	}
	_, err := s.db.Exec(ctx, `
		UPDATE app.data_sets
		SET usage_reported_until = $2
		WHERE id = $1`,
		dataSetID, reportedUntil,
	)
	return err
}
