package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// badBitsSet is the Redis set holding hex SHA-256 digests of denylisted CIDs.
// Populated by an external ingestion job; this process only reads it.
const badBitsSet = "badbits"

// KV wraps the Redis keyspace shared with the denylist ingester and the
// payment-challenge frontend: per-piece x402 metadata under "<payer>:<cid>"
// and the bad-bits set.
type KV struct {
	rdb *redis.Client
}

func New(addr string, db int) *KV {
	return &KV{
		rdb: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// NewFromClient wires an existing client; tests pass a miniredis-backed one.
func NewFromClient(rdb *redis.Client) *KV {
	return &KV{rdb: rdb}
}

func (k *KV) Close() error {
	return k.rdb.Close()
}

func (k *KV) Ping(ctx context.Context) error {
	return k.rdb.Ping(ctx).Err()
}

// PieceMetadata is the externally visible x402 quote for one (payer, cid).
// Block guards writes: a quote from an older chain state never replaces a
// newer one.
type PieceMetadata struct {
	Price string `json:"price"`
	Block int64  `json:"block"`
}

func metadataKey(payer, cid string) string {
	return payer + ":" + cid
}

// GetPieceMetadata returns the stored metadata, or nil when absent.
func (k *KV) GetPieceMetadata(ctx context.Context, payer, cid string) (*PieceMetadata, error) {
	raw, err := k.rdb.Get(ctx, metadataKey(payer, cid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET piece metadata: %w", err)
	}
	var m PieceMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode piece metadata: %w", err)
	}
	return &m, nil
}

// SetPieceMetadata stores the quote only when block strictly exceeds the
// stored one. The indexer is the sole writer of this keyspace, so
// read-compare-write is race-free by convention. Reports whether a write
// happened.
func (k *KV) SetPieceMetadata(ctx context.Context, payer, cid string, m PieceMetadata) (bool, error) {
	existing, err := k.GetPieceMetadata(ctx, payer, cid)
	if err != nil {
		return false, err
	}
	if existing != nil && m.Block <= existing.Block {
		return false, nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode piece metadata: %w", err)
	}
	if err := k.rdb.Set(ctx, metadataKey(payer, cid), raw, 0).Err(); err != nil {
		return false, fmt.Errorf("redis SET piece metadata: %w", err)
	}
	return true, nil
}

// DeletePieceMetadata removes the quote. Called when the last live copy of a
// CID under the payer is deleted.
func (k *KV) DeletePieceMetadata(ctx context.Context, payer, cid string) error {
	if err := k.rdb.Del(ctx, metadataKey(payer, cid)).Err(); err != nil {
		return fmt.Errorf("redis DEL piece metadata: %w", err)
	}
	return nil
}

// BadBitsKey derives the denylist member for a CID.
func BadBitsKey(cid string) string {
	sum := sha256.Sum256([]byte(cid))
	return hex.EncodeToString(sum[:])
}

// IsDenylisted reports whether the CID is on the bad-bits denylist.
func (k *KV) IsDenylisted(ctx context.Context, cid string) (bool, error) {
	ok, err := k.rdb.SIsMember(ctx, badBitsSet, BadBitsKey(cid)).Result()
	if err != nil {
		return false, fmt.Errorf("redis SISMEMBER badbits: %w", err)
	}
	return ok, nil
}

// AddDenylisted inserts CIDs into the bad-bits set. Production ingestion is
// external; this exists for tests and operator tooling.
func (k *KV) AddDenylisted(ctx context.Context, cids ...string) error {
	members := make([]interface{}, len(cids))
	for i, cid := range cids {
		members[i] = BadBitsKey(cid)
	}
	return k.rdb.SAdd(ctx, badBitsSet, members...).Err()
}
