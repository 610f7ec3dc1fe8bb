package indexer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/models"
)

// CronStore is the persistence slice the scheduled tasks need.
type CronStore interface {
	GetStaleWallets(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
	UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error
	OldestUnsettledDataSet(ctx context.Context) (*models.DataSet, error)
	WriteAnalyticsPoint(ctx context.Context, kind string, fields map[string]interface{}) error
}

// MetaProber reports subgraph indexing health.
type MetaProber interface {
	Meta(ctx context.Context) (*SubgraphMeta, error)
}

// Cron runs the scheduled indexer tasks: subgraph health probe, wallet
// screening, settlement lag. The tasks of one tick run concurrently and each
// runs to completion; their errors are joined.
type Cron struct {
	store    CronStore
	screener SanctionChecker
	subgraph MetaProber
	cfg      *config.Config
}

func NewCron(st CronStore, screener SanctionChecker, subgraph MetaProber, cfg *config.Config) *Cron {
	return &Cron{store: st, screener: screener, subgraph: subgraph, cfg: cfg}
}

// Start ticks until the context ends.
func (c *Cron) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.IndexerCronInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(ctx); err != nil {
				log.Printf("[indexer] cron tick failed: %v", err)
			}
		}
	}
}

// Run executes one tick.
func (c *Cron) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() { defer wg.Done(); errs[0] = c.probeSubgraph(ctx) }()
	go func() { defer wg.Done(); errs[1] = c.screenStaleWallets(ctx) }()
	go func() { defer wg.Done(); errs[2] = c.recordSettlementLag(ctx) }()
	wg.Wait()

	return errors.Join(errs...)
}

// probeSubgraph writes one health point. An unreachable subgraph is logged,
// not fatal.
func (c *Cron) probeSubgraph(ctx context.Context) error {
	if c.subgraph == nil {
		return nil
	}
	meta, err := c.subgraph.Meta(ctx)
	if err != nil {
		log.Printf("[indexer] subgraph probe failed: %v", err)
		return nil
	}

	errFlag := 0
	if meta.HasIndexingErrors {
		errFlag = 1
	}
	lagMS := time.Now().UnixMilli() - chain.EpochToTime(c.cfg.GenesisUnixMS, meta.BlockNumber).UnixMilli()
	return c.store.WriteAnalyticsPoint(ctx, "subgraph_health", map[string]interface{}{
		"block_number": meta.BlockNumber,
		"errors":       errFlag,
		"lag_ms":       lagMS,
	})
}

// screenStaleWallets re-screens up to a batch of wallets whose result is
// missing or stale. Screening API failures skip the wallet so one bad
// address never wedges the batch.
func (c *Cron) screenStaleWallets(ctx context.Context) error {
	if c.screener == nil {
		return nil
	}

	staleBefore := time.Now().Add(-c.cfg.ScreeningStaleAfter)
	addrs, err := c.store.GetStaleWallets(ctx, staleBefore, c.cfg.ScreeningBatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for _, addr := range addrs {
		sanctioned, err := c.screener.IsSanctioned(ctx, addr)
		if err != nil {
			log.Printf("[indexer] screening %s failed: %v", addr, err)
			continue
		}
		if err := c.store.UpsertWalletDetails(ctx, addr, sanctioned, time.Now().UTC()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recordSettlementLag writes how far behind the oldest unsettled data set is.
func (c *Cron) recordSettlementLag(ctx context.Context) error {
	ds, err := c.store.OldestUnsettledDataSet(ctx)
	if err != nil {
		return err
	}
	if ds == nil {
		return nil
	}
	return c.store.WriteAnalyticsPoint(ctx, "settlement_lag", map[string]interface{}{
		"data_set_id":             ds.ID,
		"usage_reported_until_ms": ds.UsageReportedUntil.UnixMilli(),
		"lag_ms":                  time.Now().UnixMilli() - ds.UsageReportedUntil.UnixMilli(),
	})
}
