package monitor

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
	"filbeam-backend/internal/models"
)

// RetryStore is the persistence slice the retry handler needs.
type RetryStore interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}, delay time.Duration) (string, error)
	RewritePendingTxHash(ctx context.Context, oldHash, newHash string) (int64, error)
	CreateTxMonitor(ctx context.Context, txHash, onSuccess string, upToTimestamp, deadline time.Time) (string, error)
}

// RetryChain reads the state needed to price a replacement.
type RetryChain interface {
	TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	TransactionByHash(ctx context.Context, txHash string) (*chain.TxEnvelope, error)
	EstimateGas(ctx context.Context, msg chain.CallMsg) (uint64, error)
	SuggestFeeCap(ctx context.Context, tip *big.Int) (*big.Int, error)
}

// Replacer signs and broadcasts same-nonce replacements.
type Replacer interface {
	From() string
	SubmitReplacement(ctx context.Context, env *chain.TxEnvelope, gasLimit uint64, tip, feeCap *big.Int) (string, error)
}

// RetryHandler consumes transaction-retry messages: it replaces a stale
// transaction with a fee-bumped one carrying the same nonce, repoints the
// pending report rows, and monitors the replacement.
type RetryHandler struct {
	store    RetryStore
	chain    RetryChain
	replacer Replacer
	cfg      *config.Config
}

func NewRetryHandler(st RetryStore, chainReader RetryChain, replacer Replacer, cfg *config.Config) *RetryHandler {
	return &RetryHandler{store: st, chain: chainReader, replacer: replacer, cfg: cfg}
}

// HandleTransactionRetry processes one transaction-retry message.
func (h *RetryHandler) HandleTransactionRetry(ctx context.Context, payload json.RawMessage) error {
	var p models.TxMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to decode transaction-retry payload: %w", err)
	}
	if p.TransactionHash == "" {
		return errors.New("transaction-retry payload has no transaction hash")
	}

	// The transaction may have confirmed between the monitor giving up and
	// this message being claimed.
	receipt, err := h.chain.TransactionReceipt(ctx, p.TransactionHash)
	if err != nil {
		return err
	}
	if receipt != nil && receipt.BlockNumber > 0 {
		log.Printf("[monitor] %s confirmed before replacement, skipping bump", p.TransactionHash)
		_, err := h.store.Enqueue(ctx, models.MsgTransactionConfirmed, p, 0)
		return err
	}

	env, err := h.chain.TransactionByHash(ctx, p.TransactionHash)
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("transaction %s dropped from the pool, nothing to replace", p.TransactionHash)
	}

	estimate, err := h.chain.EstimateGas(ctx, chain.CallMsg{
		From:  h.replacer.From(),
		To:    env.To,
		Value: env.Value,
		Data:  env.Input,
	})
	if err != nil {
		return fmt.Errorf("gas re-estimate for %s failed: %w", p.TransactionHash, err)
	}

	tip := chain.BumpTip(env.GasTipCap)
	gasLimit := chain.BumpGasLimit(env.Gas, estimate)
	recentFeeCap, err := h.chain.SuggestFeeCap(ctx, tip)
	if err != nil {
		return err
	}
	feeCap := chain.ReplacementFeeCap(tip, recentFeeCap)

	newHash, err := h.replacer.SubmitReplacement(ctx, env, gasLimit, tip, feeCap)
	if err != nil {
		return fmt.Errorf("failed to submit replacement for %s: %w", p.TransactionHash, err)
	}
	log.Printf("[monitor] replaced %s with %s (nonce %d, tip %s, fee cap %s)",
		p.TransactionHash, newHash, env.Nonce, tip, feeCap)

	// Repoint before the new monitor starts so only one pending hash can
	// ever match the batch.
	n, err := h.store.RewritePendingTxHash(ctx, p.TransactionHash, newHash)
	if err != nil {
		return fmt.Errorf("failed to rewrite pending hash: %w", err)
	}
	log.Printf("[monitor] repointed %d data sets from %s to %s", n, p.TransactionHash, newHash)

	deadline := time.Now().Add(h.cfg.MonitorStalenessWindow)
	if _, err := h.store.CreateTxMonitor(ctx, newHash, models.MsgTransactionConfirmed, p.UpToTimestamp, deadline); err != nil {
		return fmt.Errorf("failed to monitor replacement %s: %w", newHash, err)
	}
	return nil
}
