// Package indexer keeps the FilBeam database in sync with the chain. It
// consumes webhook deliveries from the event forwarder, screens payer wallets
// against a sanctions API, and runs the scheduled health and screening tasks.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/kv"
	"filbeam-backend/internal/models"
	"filbeam-backend/internal/store"
)

// productTypePDP is the only provider registry product the CDN serves.
const productTypePDP = 0

// dataSetRetryDelay spaces out data-set-created retries so a screening API
// blip does not hammer the queue.
const dataSetRetryDelay = 10 * time.Second

// Store is the slice of the persistence layer the indexer needs.
type Store interface {
	CreateDataSet(ctx context.Context, d models.DataSet) error
	GetDataSetPayer(ctx context.Context, id string) (string, error)
	TerminateCDNService(ctx context.Context, id string, lockupUnlocksAt time.Time, txHash *string) error
	SettleCDNPayments(ctx context.Context, id string, settledUntil time.Time) error
	UpsertPiece(ctx context.Context, p models.Piece) error
	MarkPiecesDeleted(ctx context.Context, dataSetID string, pieceIDs []string) ([]string, error)
	CountLivePieceCopies(ctx context.Context, payerAddress, cid string) (int, error)
	UpsertServiceProvider(ctx context.Context, p models.ServiceProvider) error
	GetServiceProvider(ctx context.Context, id string) (*models.ServiceProvider, error)
	RemoveServiceProvider(ctx context.Context, id string) error
	UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error
	ApplyQuotaTopUp(ctx context.Context, eventID, dataSetID string, cdnDelta, cacheMissDelta *big.Int) (bool, error)
	Enqueue(ctx context.Context, msgType string, payload interface{}, delay time.Duration) (string, error)
}

// MetadataKV is the piece metadata keyspace shared with the payment frontend.
type MetadataKV interface {
	SetPieceMetadata(ctx context.Context, payer, cid string, m kv.PieceMetadata) (bool, error)
	DeletePieceMetadata(ctx context.Context, payer, cid string) error
}

// SanctionChecker answers whether an address is sanctioned.
type SanctionChecker interface {
	IsSanctioned(ctx context.Context, address string) (bool, error)
}

// payloadError marks a delivery whose content can never be applied. The HTTP
// layer answers 400 so the forwarder drops it instead of retrying.
type payloadError struct{ err error }

func (e payloadError) Error() string { return e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func badPayload(err error) error {
	if err == nil {
		return nil
	}
	return payloadError{err: err}
}

// Indexer applies chain events to the store and the metadata KV. HTTP
// delivery lives in Handlers; the queue consumer calls ProcessDataSetCreated
// directly on retry.
type Indexer struct {
	store    Store
	kv       MetadataKV
	screener SanctionChecker
	cfg      *config.Config
}

func New(st Store, metadata MetadataKV, screener SanctionChecker, cfg *config.Config) *Indexer {
	return &Indexer{store: st, kv: metadata, screener: screener, cfg: cfg}
}

// ProcessDataSetCreated screens the payer, records the screening result, and
// inserts the data set. Any failure leaves no partial visible state worse
// than a missing row; the caller queues a retry.
func (ix *Indexer) ProcessDataSetCreated(ctx context.Context, p dataSetCreatedPayload) error {
	payer := strings.ToLower(p.PayerAddress)

	sanctioned, err := ix.screener.IsSanctioned(ctx, payer)
	if err != nil {
		return fmt.Errorf("screening payer %s: %w", payer, err)
	}
	if err := ix.store.UpsertWalletDetails(ctx, payer, sanctioned, time.Now().UTC()); err != nil {
		return err
	}
	return ix.store.CreateDataSet(ctx, models.DataSet{
		ID:                p.DataSetID,
		ServiceProviderID: p.ServiceProviderID,
		PayerAddress:      payer,
		WithCDN:           p.WithCDN,
		WithIPFSIndexing:  p.WithIPFSIndexing,
	})
}

// RetryDataSetCreated queues the payload for another attempt.
func (ix *Indexer) RetryDataSetCreated(ctx context.Context, p dataSetCreatedPayload) error {
	_, err := ix.store.Enqueue(ctx, models.MsgDataSetCreated, p, dataSetRetryDelay)
	return err
}

// HandleDataSetCreatedMessage is the queue consumer's retry path for
// data-set-created. Failures bubble up so the queue applies its own backoff.
func (ix *Indexer) HandleDataSetCreatedMessage(ctx context.Context, payload json.RawMessage) error {
	var p dataSetCreatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to decode data-set-created payload: %w", err)
	}
	return ix.ProcessDataSetCreated(ctx, p)
}

// ProcessPieceAdded upserts the piece and, when the event carries an x402
// price and a block number, publishes the quote to the metadata KV. The KV
// write is block-guarded so replayed or reordered events never regress it.
func (ix *Indexer) ProcessPieceAdded(ctx context.Context, p pieceAddedPayload) error {
	cid, err := pieceCIDFromHex(p.PieceCID)
	if err != nil {
		return badPayload(err)
	}
	rootCID, err := lookupValue(p.Keys, p.Values, "ipfsRootCID")
	if err != nil {
		return badPayload(err)
	}
	price, err := lookupValue(p.Keys, p.Values, "x402Price")
	if err != nil {
		return badPayload(err)
	}
	if price != nil {
		if _, err := parseAmount(*price); err != nil {
			return badPayload(fmt.Errorf("x402Price: %w", err))
		}
	}

	if err := ix.store.UpsertPiece(ctx, models.Piece{
		ID:          p.PieceID,
		DataSetID:   p.DataSetID,
		CID:         cid,
		IPFSRootCID: rootCID,
		X402Price:   price,
	}); err != nil {
		return err
	}

	if price == nil || p.BlockNumber == nil {
		return nil
	}
	payer := strings.ToLower(p.PayerAddress)
	_, err = ix.kv.SetPieceMetadata(ctx, payer, cid, kv.PieceMetadata{
		Price: *price,
		Block: *p.BlockNumber,
	})
	return err
}

// ProcessPiecesRemoved marks the pieces deleted and drops metadata for every
// cid that no longer has a live copy under the payer.
func (ix *Indexer) ProcessPiecesRemoved(ctx context.Context, p piecesRemovedPayload) error {
	payer, err := ix.store.GetDataSetPayer(ctx, p.DataSetID)
	if err != nil {
		return err
	}

	cids, err := ix.store.MarkPiecesDeleted(ctx, p.DataSetID, p.PieceIDs)
	if err != nil {
		return err
	}
	if payer == "" {
		return nil
	}

	seen := make(map[string]bool, len(cids))
	for _, cid := range cids {
		if seen[cid] {
			continue
		}
		seen[cid] = true

		n, err := ix.store.CountLivePieceCopies(ctx, payer, cid)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := ix.kv.DeletePieceMetadata(ctx, payer, cid); err != nil {
			return err
		}
	}
	return nil
}

// ProcessServiceTerminated flips with_cdn off and records when the remaining
// lockup unlocks. Full service terminations also carry the termination tx
// hash; CDN-only terminations leave it untouched.
func (ix *Indexer) ProcessServiceTerminated(ctx context.Context, p serviceTerminatedPayload, recordTxHash bool) error {
	unlocksAt := chain.EpochToTime(ix.cfg.GenesisUnixMS, p.BlockNumber).
		Add(time.Duration(ix.cfg.LockupPeriodDays) * 24 * time.Hour)

	var txHash *string
	if recordTxHash && p.TxHash != "" {
		txHash = &p.TxHash
	}
	return ix.store.TerminateCDNService(ctx, p.DataSetID, unlocksAt, txHash)
}

// ProcessRailsToppedUp converts the added lockups into byte quotas and
// increments them. Idempotent under the event id: a replayed delivery is a
// no-op. Amounts are validated before the idempotency key is consumed.
func (ix *Indexer) ProcessRailsToppedUp(ctx context.Context, p railsToppedUpPayload) error {
	cdnLockup, err := parseAmount(p.CDNLockupAdded)
	if err != nil {
		return badPayload(fmt.Errorf("cdn_lockup_added: %w", err))
	}
	cacheMissLockup, err := parseAmount(p.CacheMissLockupAdded)
	if err != nil {
		return badPayload(fmt.Errorf("cache_miss_lockup_added: %w", err))
	}
	cdnRate, err := parseAmount(p.CDNRatePerTiB)
	if err != nil {
		return badPayload(fmt.Errorf("cdn_rate_per_tib: %w", err))
	}
	cacheMissRate, err := parseAmount(p.CacheMissRatePerTiB)
	if err != nil {
		return badPayload(fmt.Errorf("cache_miss_rate_per_tib: %w", err))
	}

	_, err = ix.store.ApplyQuotaTopUp(ctx, p.EventID, p.DataSetID,
		store.CalculateEgressQuota(cdnLockup, cdnRate),
		store.CalculateEgressQuota(cacheMissLockup, cacheMissRate),
	)
	return err
}

// ProcessProductChanged handles product-added and product-updated. Non-PDP
// products are ignored; the store's block guard drops out-of-order updates.
func (ix *Indexer) ProcessProductChanged(ctx context.Context, p productChangedPayload) error {
	if p.ProductType != productTypePDP {
		return nil
	}

	serviceURL, err := lookupValue(p.CapabilityKeys, p.CapabilityValues, "serviceURL")
	if err != nil {
		return badPayload(err)
	}
	if serviceURL == nil {
		return badPayload(fmt.Errorf("product for provider %s has no serviceURL capability", p.ProviderID))
	}
	if err := validateServiceURL(*serviceURL); err != nil {
		return badPayload(err)
	}

	return ix.store.UpsertServiceProvider(ctx, models.ServiceProvider{
		ID:          p.ProviderID,
		ServiceURL:  *serviceURL,
		BlockNumber: p.BlockNumber,
	})
}

// ProcessProductRemoved marks the provider deleted under the same block
// guard, keeping the stored service URL for the tombstone.
func (ix *Indexer) ProcessProductRemoved(ctx context.Context, p productChangedPayload) error {
	if p.ProductType != productTypePDP {
		return nil
	}

	serviceURL := ""
	existing, err := ix.store.GetServiceProvider(ctx, p.ProviderID)
	if err != nil {
		return err
	}
	if existing != nil {
		serviceURL = existing.ServiceURL
	}

	return ix.store.UpsertServiceProvider(ctx, models.ServiceProvider{
		ID:          p.ProviderID,
		ServiceURL:  serviceURL,
		BlockNumber: p.BlockNumber,
		IsDeleted:   true,
	})
}

// ProcessProviderRemoved is terminal for the provider id; no block guard.
func (ix *Indexer) ProcessProviderRemoved(ctx context.Context, p providerRemovedPayload) error {
	return ix.store.RemoveServiceProvider(ctx, p.ProviderID)
}

// ProcessPaymentSettled advances the settlement watermark.
func (ix *Indexer) ProcessPaymentSettled(ctx context.Context, p paymentSettledPayload) error {
	settledUntil := chain.EpochToTime(ix.cfg.GenesisUnixMS, p.BlockNumber)
	return ix.store.SettleCDNPayments(ctx, p.DataSetID, settledUntil)
}

func validateServiceURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid serviceURL %q: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("serviceURL %q is not an http(s) URL", s)
	}
	return nil
}
