package store

import (
	"context"
	"time"
)

// StatusCounts is the snapshot served by the internal /status endpoint.
type StatusCounts struct {
	DataSets             int64            `json:"data_sets"`
	Pieces               int64            `json:"pieces"`
	ServiceProviders     int64            `json:"service_providers"`
	Queue                map[string]int64 `json:"queue"`
	Monitors             map[string]int64 `json:"monitors"`
	OldestReportedUntil  *time.Time       `json:"oldest_usage_reported_until,omitempty"`
	OldestUnsettledDSID  string           `json:"oldest_unsettled_data_set_id,omitempty"`
	RetrievalsLastHour   int64            `json:"retrievals_last_hour"`
	EgressBytesLastHour  int64            `json:"egress_bytes_last_hour"`
	PendingReportBatches int64            `json:"pending_report_batches"`
}

// GetStatusCounts gathers the counts in one round trip per table. Failures on
// individual counts are returned as-is; /status is diagnostic, not critical
// path.
func (s *Store) GetStatusCounts(ctx context.Context) (*StatusCounts, error) {
	out := &StatusCounts{}

	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM app.data_sets),
			(SELECT COUNT(*) FROM app.pieces WHERE is_deleted = FALSE),
			(SELECT COUNT(*) FROM app.service_providers WHERE is_deleted = FALSE),
			(SELECT COUNT(*) FROM app.retrieval_logs WHERE timestamp > NOW() - INTERVAL '1 hour'),
			(SELECT COALESCE(SUM(egress_bytes), 0) FROM app.retrieval_logs WHERE timestamp > NOW() - INTERVAL '1 hour'),
			(SELECT COUNT(DISTINCT pending_usage_report_tx_hash) FROM app.data_sets WHERE pending_usage_report_tx_hash IS NOT NULL)`,
	).Scan(&out.DataSets, &out.Pieces, &out.ServiceProviders, &out.RetrievalsLastHour, &out.EgressBytesLastHour, &out.PendingReportBatches)
	if err != nil {
		return nil, err
	}

	if out.Queue, err = s.QueueDepthByStatus(ctx); err != nil {
		return nil, err
	}
	if out.Monitors, err = s.MonitorCountsByStatus(ctx); err != nil {
		return nil, err
	}

	oldest, err := s.OldestUnsettledDataSet(ctx)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		t := oldest.UsageReportedUntil
		out.OldestReportedUntil = &t
		out.OldestUnsettledDSID = oldest.ID
	}

	return out, nil
}
