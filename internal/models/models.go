package models

import (
	"encoding/json"
	"math/big"
	"time"
)

// DataSet represents the 'data_sets' table
type DataSet struct {
	ID                       string     `json:"id"`
	ServiceProviderID        string     `json:"service_provider_id"`
	PayerAddress             string     `json:"payer_address"`
	WithCDN                  bool       `json:"with_cdn"`
	WithIPFSIndexing         bool       `json:"with_ipfs_indexing"`
	TotalEgressBytesUsed     int64      `json:"total_egress_bytes_used"`
	UsageReportedUntil       time.Time  `json:"usage_reported_until"`
	CDNPaymentsSettledUntil  time.Time  `json:"cdn_payments_settled_until"`
	PendingUsageReportTxHash *string    `json:"pending_usage_report_tx_hash,omitempty"`
	TerminateServiceTxHash   *string    `json:"terminate_service_tx_hash,omitempty"`
	LockupUnlocksAt          *time.Time `json:"lockup_unlocks_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
}

// EgressQuotas represents the 'data_set_egress_quotas' table.
// Quotas are arbitrary-precision and may go negative.
type EgressQuotas struct {
	DataSetID            string   `json:"data_set_id"`
	CDNEgressQuota       *big.Int `json:"cdn_egress_quota"`
	CacheMissEgressQuota *big.Int `json:"cache_miss_egress_quota"`
}

// Piece represents the 'pieces' table
type Piece struct {
	ID          string    `json:"id"`
	DataSetID   string    `json:"data_set_id"`
	CID         string    `json:"cid"`
	IPFSRootCID *string   `json:"ipfs_root_cid,omitempty"`
	X402Price   *string   `json:"x402_price,omitempty"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServiceProvider represents the 'service_providers' table
type ServiceProvider struct {
	ID          string `json:"id"`
	ServiceURL  string `json:"service_url"`
	BlockNumber int64  `json:"block_number"`
	IsDeleted   bool   `json:"is_deleted"`
}

// WalletDetails represents the 'wallet_details' table
type WalletDetails struct {
	Address        string     `json:"address"`
	IsSanctioned   bool       `json:"is_sanctioned"`
	LastScreenedAt *time.Time `json:"last_screened_at,omitempty"`
}

// RetrievalLog is one append-only row in 'retrieval_logs'. Nullable fields
// stay nil when the request never reached the measured-streaming stage.
type RetrievalLog struct {
	Timestamp          time.Time `json:"timestamp"`
	ResponseStatus     int       `json:"response_status"`
	EgressBytes        *int64    `json:"egress_bytes,omitempty"`
	CacheMiss          *bool     `json:"cache_miss,omitempty"`
	FetchTTFBMs        *int64    `json:"fetch_ttfb_ms,omitempty"`
	FetchTTLBMs        *int64    `json:"fetch_ttlb_ms,omitempty"`
	WorkerTTFBMs       *int64    `json:"worker_ttfb_ms,omitempty"`
	RequestCountryCode string    `json:"request_country_code,omitempty"`
	DataSetID          *string   `json:"data_set_id,omitempty"`
	BotName            *string   `json:"bot_name,omitempty"`
}

// RetrievalCandidate is one row of the piece→data_set→provider→wallet→quota
// join the gateway filters into a candidate list. Pointer fields are nil when
// the LEFT JOIN found no row.
type RetrievalCandidate struct {
	PieceID           string
	DataSetID         string
	PayerAddress      string
	WithCDN           bool
	ServiceProviderID string
	ServiceURL        *string
	ProviderDeleted   *bool
	Sanctioned        *bool
	CDNQuota          *big.Int
	CacheMissQuota    *big.Int
}

// Approved reports whether the candidate's provider can serve traffic.
func (c *RetrievalCandidate) Approved() bool {
	return c.ServiceURL != nil && *c.ServiceURL != "" &&
		c.ProviderDeleted != nil && !*c.ProviderDeleted
}

// UsageRollup is one aggregated line of unreported egress for a data set.
type UsageRollup struct {
	DataSetID      string `json:"data_set_id"`
	CDNBytes       int64  `json:"cdn_bytes"`
	CacheMissBytes int64  `json:"cache_miss_bytes"`
}

// PendingReport summarizes one in-flight usage report batch.
type PendingReport struct {
	TxHash        string    `json:"tx_hash"`
	DataSets      int64     `json:"data_sets"`
	ReportedUntil time.Time `json:"reported_until"`
}

// QueueMessage represents the 'queue_messages' table
type QueueMessage struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	DeliverAfter time.Time       `json:"deliver_after"`
	Attempt      int             `json:"attempt"`
}

// Queue message statuses.
const (
	QueueStatusPending = "PENDING"
	QueueStatusActive  = "ACTIVE"
	QueueStatusDone    = "DONE"
	QueueStatusFailed  = "FAILED"
)

// Queue message types.
const (
	MsgTransactionConfirmed = "transaction-confirmed"
	MsgTransactionRetry     = "transaction-retry"
	MsgDataSetCreated       = "data-set-created"
)

// TxMonitor represents the 'tx_monitors' table
type TxMonitor struct {
	ID            string    `json:"id"`
	TxHash        string    `json:"tx_hash"`
	Status        string    `json:"status"`
	OnSuccess     string    `json:"on_success"`
	UpToTimestamp time.Time `json:"up_to_timestamp"`
	Attempts      int       `json:"attempts"`
	NextCheckAt   time.Time `json:"next_check_at"`
	DeadlineAt    time.Time `json:"deadline_at"`
}

// Monitor statuses.
const (
	MonitorStatusWaiting   = "WAITING"
	MonitorStatusConfirmed = "CONFIRMED"
	MonitorStatusRetried   = "RETRIED"
	MonitorStatusFailed    = "FAILED"
)

// TxMessagePayload is the body of 'transaction-confirmed' and
// 'transaction-retry' queue messages.
type TxMessagePayload struct {
	TransactionHash string    `json:"transaction_hash"`
	UpToTimestamp   time.Time `json:"up_to_timestamp"`
}
