// Package reporter aggregates measured egress and submits it to the
// FilBeamOperator contract. Each batch is tracked by a transaction monitor;
// the watermark only advances once the transaction is confirmed on chain.
package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/metrics"
	"filbeam-backend/internal/models"
)

// Store is the persistence slice the reporter needs.
type Store interface {
	AggregateUnreportedUsage(ctx context.Context, upTo time.Time) ([]models.UsageRollup, error)
	SetPendingUsageReportTxHash(ctx context.Context, dataSetIDs []string, txHash string) error
	FinalizeUsageReport(ctx context.Context, txHash string, upTo time.Time) (int64, error)
	CreateTxMonitor(ctx context.Context, txHash, onSuccess string, upToTimestamp, deadline time.Time) (string, error)
	WriteAnalyticsPoint(ctx context.Context, kind string, fields map[string]interface{}) error
}

// HeadReader reads the current chain height.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RollupSubmitter signs and submits a usage rollup batch.
type RollupSubmitter interface {
	RecordUsageRollups(ctx context.Context, upToEpoch uint64, ids, cdnBytes, cacheMissBytes []*big.Int) (string, error)
}

// Reporter runs the scheduled aggregate-and-submit pass and consumes the
// transaction-confirmed messages that close each batch.
type Reporter struct {
	store     Store
	head      HeadReader
	submitter RollupSubmitter
	cfg       *config.Config
}

func New(st Store, head HeadReader, submitter RollupSubmitter, cfg *config.Config) *Reporter {
	return &Reporter{store: st, head: head, submitter: submitter, cfg: cfg}
}

// Start ticks until the context ends.
func (r *Reporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReporterCronInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				log.Printf("[reporter] tick failed: %v", err)
			}
		}
	}
}

// Run executes one reporting pass. Usage is aggregated strictly below the
// current head so the reported window is already final when the contract
// verifies it.
func (r *Reporter) Run(ctx context.Context) error {
	head, err := r.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	if head == 0 {
		return nil
	}
	upToEpoch := head - 1
	upTo := chain.EpochToTime(r.cfg.GenesisUnixMS, upToEpoch)

	rollups, err := r.store.AggregateUnreportedUsage(ctx, upTo)
	if err != nil {
		return err
	}
	if len(rollups) == 0 {
		return nil
	}

	ids := make([]*big.Int, len(rollups))
	cdnBytes := make([]*big.Int, len(rollups))
	cacheMissBytes := make([]*big.Int, len(rollups))
	dataSetIDs := make([]string, len(rollups))
	var cdnTotal, cacheMissTotal int64
	for i, u := range rollups {
		id, err := chain.ParseDataSetID(u.DataSetID)
		if err != nil {
			return err
		}
		ids[i] = id
		cdnBytes[i] = big.NewInt(u.CDNBytes)
		cacheMissBytes[i] = big.NewInt(u.CacheMissBytes)
		dataSetIDs[i] = u.DataSetID
		cdnTotal += u.CDNBytes
		cacheMissTotal += u.CacheMissBytes
	}

	txHash, err := r.submitter.RecordUsageRollups(ctx, upToEpoch, ids, cdnBytes, cacheMissBytes)
	if err != nil {
		return fmt.Errorf("failed to submit usage rollups: %w", err)
	}
	log.Printf("[reporter] submitted %d rollups up to epoch %d in %s", len(rollups), upToEpoch, txHash)

	if err := r.store.SetPendingUsageReportTxHash(ctx, dataSetIDs, txHash); err != nil {
		return fmt.Errorf("failed to mark pending report: %w", err)
	}
	deadline := time.Now().Add(r.cfg.MonitorStalenessWindow)
	if _, err := r.store.CreateTxMonitor(ctx, txHash, models.MsgTransactionConfirmed, upTo, deadline); err != nil {
		return fmt.Errorf("failed to create tx monitor: %w", err)
	}

	metrics.ReporterBatches.Inc()
	if err := r.store.WriteAnalyticsPoint(ctx, "usage_report", map[string]interface{}{
		"datasets_count":   len(rollups),
		"now_ms":           time.Now().UnixMilli(),
		"cdn_total":        cdnTotal,
		"cache_miss_total": cacheMissTotal,
		"up_to_epoch":      upToEpoch,
	}); err != nil {
		log.Printf("[reporter] analytics write failed: %v", err)
	}
	return nil
}

// HandleTransactionConfirmed consumes a transaction-confirmed queue message
// and finalizes the batch it closes: watermark forward, pending hash
// cleared. Rows whose hash was rewritten by a retry in the meantime are left
// for the replacement's confirmation.
func (r *Reporter) HandleTransactionConfirmed(ctx context.Context, payload json.RawMessage) error {
	var p models.TxMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to decode transaction-confirmed payload: %w", err)
	}
	if p.TransactionHash == "" {
		return errors.New("transaction-confirmed payload has no transaction hash")
	}

	n, err := r.store.FinalizeUsageReport(ctx, p.TransactionHash, p.UpToTimestamp)
	if err != nil {
		return err
	}
	log.Printf("[reporter] finalized usage report %s for %d data sets", p.TransactionHash, n)
	return nil
}
