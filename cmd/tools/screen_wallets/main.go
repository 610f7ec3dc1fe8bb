package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"filbeam-backend/internal/indexer"
	"filbeam-backend/internal/store"
)

func main() {
	var (
		batchSize int
		staleFor  time.Duration
		force     bool
		pause     time.Duration
	)

	flag.IntVar(&batchSize, "batch-size", 25, "wallets screened per batch")
	flag.DurationVar(&staleFor, "stale-for", 45*24*time.Hour, "re-screen wallets last screened longer ago than this")
	flag.BoolVar(&force, "force", false, "re-screen every wallet regardless of when it was last screened")
	flag.DurationVar(&pause, "pause", time.Second, "sleep between batches to stay under the screening API rate limit")
	flag.Parse()

	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}
	screeningURL := os.Getenv("SCREENING_API_URL")
	if screeningURL == "" {
		log.Fatal("SCREENING_API_URL is required")
	}

	st, err := store.NewStore(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer st.Close()

	screener := indexer.NewScreener(screeningURL, os.Getenv("SCREENING_API_KEY"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Freshly screened wallets get last_screened_at = now, which is never
	// before the cutoff, so the loop terminates even with -force.
	staleBefore := time.Now().Add(-staleFor)
	if force {
		staleBefore = time.Now()
	}

	started := time.Now()
	var screened, sanctioned, failed int
	for {
		addrs, err := st.GetStaleWallets(ctx, staleBefore, batchSize)
		if err != nil {
			log.Fatalf("[screen_wallets] failed to list stale wallets: %v", err)
		}
		if len(addrs) == 0 {
			break
		}

		failedInBatch := 0
		for _, addr := range addrs {
			isSanctioned, err := screener.IsSanctioned(ctx, addr)
			if err != nil {
				log.Printf("[screen_wallets] screening %s failed: %v", addr, err)
				failed++
				failedInBatch++
				continue
			}
			if err := st.UpsertWalletDetails(ctx, addr, isSanctioned, time.Now().UTC()); err != nil {
				log.Fatalf("[screen_wallets] failed to record %s: %v", addr, err)
			}
			screened++
			if isSanctioned {
				sanctioned++
				log.Printf("[screen_wallets] %s is sanctioned", addr)
			}
		}
		if failedInBatch == len(addrs) {
			log.Fatalf("[screen_wallets] entire batch of %d failed, giving up", failedInBatch)
		}

		log.Printf("[screen_wallets] screened %d wallets so far", screened)
		if len(addrs) < batchSize {
			break
		}
		time.Sleep(pause)
	}

	log.Printf("[screen_wallets] done: %d screened, %d sanctioned, %d failed in %s",
		screened, sanctioned, failed, time.Since(started).Truncate(time.Second))
}
