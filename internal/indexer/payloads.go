package indexer

import (
	"fmt"
	"math/big"
)

// Webhook payloads posted by the chain event forwarder. Token amounts and
// rates travel as decimal strings: lockups routinely exceed int64.

type dataSetCreatedPayload struct {
	DataSetID         string `json:"data_set_id"`
	PayerAddress      string `json:"payer_address"`
	ServiceProviderID string `json:"service_provider_id"`
	WithCDN           bool   `json:"with_cdn"`
	WithIPFSIndexing  bool   `json:"with_ipfs_indexing"`
}

type pieceAddedPayload struct {
	DataSetID    string `json:"data_set_id"`
	PieceID      string `json:"piece_id"`
	PieceCID     string `json:"piece_cid"`
	PayerAddress string `json:"payer_address"`
	BlockNumber  *int64 `json:"block_number,omitempty"`
	// Keys and Values are parallel arrays of piece metadata; values are
	// hex-encoded UTF-8.
	Keys   []string `json:"keys"`
	Values []string `json:"values"`
}

type piecesRemovedPayload struct {
	DataSetID string   `json:"data_set_id"`
	PieceIDs  []string `json:"piece_ids"`
}

type serviceTerminatedPayload struct {
	DataSetID   string `json:"data_set_id"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash,omitempty"`
}

type railsToppedUpPayload struct {
	EventID              string `json:"id"`
	DataSetID            string `json:"data_set_id"`
	CDNLockupAdded       string `json:"cdn_lockup_added"`
	CacheMissLockupAdded string `json:"cache_miss_lockup_added"`
	CDNRatePerTiB        string `json:"cdn_rate_per_tib"`
	CacheMissRatePerTiB  string `json:"cache_miss_rate_per_tib"`
}

type productChangedPayload struct {
	ProviderID  string `json:"provider_id"`
	ProductType int    `json:"product_type"`
	BlockNumber int64  `json:"block_number"`
	// CapabilityKeys and CapabilityValues are parallel arrays; values are
	// hex-encoded UTF-8.
	CapabilityKeys   []string `json:"capability_keys"`
	CapabilityValues []string `json:"capability_values"`
}

type providerRemovedPayload struct {
	ProviderID string `json:"provider_id"`
}

type paymentSettledPayload struct {
	DataSetID   string `json:"data_set_id"`
	BlockNumber uint64 `json:"block_number"`
}

// parseAmount parses a non-negative decimal token amount. Empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// lookupValue finds the value for a key in parallel key/value arrays and
// decodes it from hex UTF-8. Returns nil when the key is absent.
func lookupValue(keys, values []string, key string) (*string, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("keys and values disagree: %d keys, %d values", len(keys), len(values))
	}
	for i, k := range keys {
		if k != key {
			continue
		}
		v, err := decodeHexUTF8(values[i])
		if err != nil {
			return nil, fmt.Errorf("value for %q: %w", key, err)
		}
		return &v, nil
	}
	return nil, nil
}
