// Package monitor tracks submitted transactions until they confirm, and
// replaces ones the network has forgotten with same-nonce fee bumps. State
// lives in the tx_monitors table so a restart resumes where it left off.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/metrics"
	"filbeam-backend/internal/models"
)

// claimBatchSize bounds how many monitors one engine pass leases.
const claimBatchSize = 20

// EngineStore is the persistence slice the polling engine needs.
type EngineStore interface {
	ClaimDueMonitors(ctx context.Context, limit int, pollInterval time.Duration) ([]models.TxMonitor, error)
	FinishMonitor(ctx context.Context, id, status string) error
	Enqueue(ctx context.Context, msgType string, payload interface{}, delay time.Duration) (string, error)
}

// ReceiptReader polls transaction receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// Engine drives the waiting monitors: claim due rows, check receipts once,
// terminate or let the claim's reschedule stand.
type Engine struct {
	store EngineStore
	chain ReceiptReader
	cfg   *config.Config
}

func NewEngine(st EngineStore, chainReader ReceiptReader, cfg *config.Config) *Engine {
	return &Engine{store: st, chain: chainReader, cfg: cfg}
}

// Start polls until the context ends.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				log.Printf("[monitor] pass failed: %v", err)
			}
		}
	}
}

// RunOnce claims the due monitors and checks each one. Per-monitor failures
// are logged so one flaky receipt lookup never blocks the rest of the batch.
func (e *Engine) RunOnce(ctx context.Context) error {
	monitors, err := e.store.ClaimDueMonitors(ctx, claimBatchSize, e.cfg.MonitorPollInterval)
	if err != nil {
		return err
	}
	for _, m := range monitors {
		if err := e.check(ctx, m); err != nil {
			log.Printf("[monitor] check %s failed: %v", m.TxHash, err)
		}
	}
	return nil
}

// check resolves one claimed monitor. The claim already pushed next_check_at
// forward, so returning without finishing leaves the row WAITING for the
// next pass.
func (e *Engine) check(ctx context.Context, m models.TxMonitor) error {
	receipt, err := e.chain.TransactionReceipt(ctx, m.TxHash)
	if err != nil {
		return err
	}

	if receipt != nil && receipt.BlockNumber > 0 {
		if receipt.Status == 0 {
			// Mined but reverted. Confirming would advance the watermark past
			// usage the contract never recorded; park the row for operator
			// recovery instead.
			log.Printf("[monitor] transaction %s reverted in block %d", m.TxHash, receipt.BlockNumber)
			metrics.MonitorOutcomes.WithLabelValues("failed").Inc()
			return e.store.FinishMonitor(ctx, m.ID, models.MonitorStatusFailed)
		}
		payload := models.TxMessagePayload{TransactionHash: m.TxHash, UpToTimestamp: m.UpToTimestamp}
		if _, err := e.store.Enqueue(ctx, m.OnSuccess, payload, 0); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", m.OnSuccess, err)
		}
		log.Printf("[monitor] transaction %s confirmed in block %d", m.TxHash, receipt.BlockNumber)
		metrics.MonitorOutcomes.WithLabelValues("confirmed").Inc()
		return e.store.FinishMonitor(ctx, m.ID, models.MonitorStatusConfirmed)
	}

	if time.Now().After(m.DeadlineAt) || m.Attempts >= e.cfg.MonitorMaxAttempts {
		payload := models.TxMessagePayload{TransactionHash: m.TxHash, UpToTimestamp: m.UpToTimestamp}
		if _, err := e.store.Enqueue(ctx, models.MsgTransactionRetry, payload, 0); err != nil {
			return fmt.Errorf("failed to enqueue transaction-retry: %w", err)
		}
		log.Printf("[monitor] transaction %s stale after %d attempts, queueing replacement", m.TxHash, m.Attempts)
		metrics.MonitorOutcomes.WithLabelValues("retried").Inc()
		return e.store.FinishMonitor(ctx, m.ID, models.MonitorStatusRetried)
	}

	return nil
}
