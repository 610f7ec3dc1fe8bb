package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/store"
)

func main() {
	var (
		dataSetID     string
		reportedUntil string
		clearPending  bool
	)

	flag.StringVar(&dataSetID, "data-set-id", "", "data set to reset (required)")
	flag.StringVar(&reportedUntil, "reported-until", "", "new usage watermark, RFC 3339 (required)")
	flag.BoolVar(&clearPending, "clear-pending", false, "also clear a stuck pending report tx hash")
	flag.Parse()

	if dataSetID == "" || reportedUntil == "" {
		log.Fatal("-data-set-id and -reported-until are required")
	}
	until, err := time.Parse(time.RFC3339, reportedUntil)
	if err != nil {
		log.Fatalf("invalid -reported-until %q: %v", reportedUntil, err)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}

	st, err := store.NewStore(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	// When the operator contract is configured, show what the chain thinks is
	// settled so the new watermark can be chosen consistently with it.
	if cfg.OperatorContractAddr != "" && cfg.ControllerPrivateKey != "" {
		showOnChainUsage(ctx, cfg, dataSetID)
	}

	// The next reporter run re-aggregates everything after the new watermark,
	// so moving it backwards re-reports that window on chain.
	if err := st.ResetUsageWatermark(ctx, dataSetID, until.UTC(), clearPending); err != nil {
		log.Fatalf("[reset_watermark] reset failed: %v", err)
	}

	if clearPending {
		fmt.Printf("Data set %s is now reported until %s and its pending report hash is cleared.\n",
			dataSetID, until.UTC().Format(time.RFC3339))
	} else {
		fmt.Printf("Data set %s is now reported until %s.\n", dataSetID, until.UTC().Format(time.RFC3339))
	}
}

func showOnChainUsage(ctx context.Context, cfg *config.Config, dataSetID string) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := chain.Dial(dialCtx, cfg.RPCURL)
	if err != nil {
		log.Printf("[reset_watermark] skipping on-chain usage check: %v", err)
		return
	}
	defer client.Close()

	op, err := chain.NewOperator(client, cfg.OperatorContractAddr, cfg.ControllerPrivateKey)
	if err != nil {
		log.Printf("[reset_watermark] skipping on-chain usage check: %v", err)
		return
	}

	usage, err := op.DataSetUsage(dialCtx, dataSetID)
	if err != nil {
		log.Printf("[reset_watermark] skipping on-chain usage check: %v", err)
		return
	}

	settledAt := chain.EpochToTime(cfg.GenesisUnixMS, usage.SettledUntilEpoch.Uint64())
	log.Printf("[reset_watermark] on-chain usage for data set %s: cdn=%s cache_miss=%s settled until epoch %s (%s)",
		dataSetID, usage.CDNBytesUnsettled, usage.CacheMissBytesUnsettled,
		usage.SettledUntilEpoch, settledAt.Format(time.RFC3339))
}
