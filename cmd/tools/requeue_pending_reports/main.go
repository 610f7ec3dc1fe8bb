package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"filbeam-backend/internal/models"
	"filbeam-backend/internal/store"
)

func main() {
	var (
		stuckFor time.Duration
		dryRun   bool
	)

	flag.DurationVar(&stuckFor, "stuck-for", 30*time.Minute, "requeue reports whose watermark has not advanced for this long")
	flag.BoolVar(&dryRun, "dry-run", false, "list stuck reports without enqueueing retries")
	flag.Parse()

	_ = godotenv.Load()

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()
	pending, err := st.ListPendingReportHashes(ctx)
	if err != nil {
		log.Fatalf("[requeue_pending_reports] failed to list pending reports: %v", err)
	}
	if len(pending) == 0 {
		log.Printf("[requeue_pending_reports] no pending reports, nothing to do")
		return
	}

	cutoff := time.Now().Add(-stuckFor)
	var requeued, skipped int
	for _, p := range pending {
		if p.ReportedUntil.After(cutoff) {
			skipped++
			continue
		}

		// The retry payload must carry the original up_to_timestamp. Replaying
		// with a later one would advance the watermark past unreported usage.
		m, err := st.LatestMonitorForTx(ctx, p.TxHash)
		if err != nil {
			log.Fatalf("[requeue_pending_reports] failed to look up monitor for %s: %v", p.TxHash, err)
		}
		if m == nil {
			log.Printf("[requeue_pending_reports] %s has no monitor row, skipping (recover with reset_watermark)", p.TxHash)
			skipped++
			continue
		}
		if m.Status == models.MonitorStatusWaiting {
			log.Printf("[requeue_pending_reports] %s still has a WAITING monitor, skipping", p.TxHash)
			skipped++
			continue
		}

		if dryRun {
			log.Printf("[requeue_pending_reports] would requeue %s (%d data sets, watermark %s)",
				p.TxHash, p.DataSets, p.ReportedUntil.Format(time.RFC3339))
			requeued++
			continue
		}

		payload := models.TxMessagePayload{TransactionHash: p.TxHash, UpToTimestamp: m.UpToTimestamp}
		if _, err := st.Enqueue(ctx, models.MsgTransactionRetry, payload, 0); err != nil {
			log.Fatalf("[requeue_pending_reports] failed to enqueue retry for %s: %v", p.TxHash, err)
		}
		log.Printf("[requeue_pending_reports] requeued %s (%d data sets)", p.TxHash, p.DataSets)
		requeued++
	}

	log.Printf("[requeue_pending_reports] done: %d requeued, %d skipped in %s",
		requeued, skipped, time.Since(started).Truncate(time.Millisecond))
}
