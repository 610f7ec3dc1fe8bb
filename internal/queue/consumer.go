// Package queue drives the durable Postgres message queue: claim, dispatch,
// complete or fail with backoff. Handlers are registered per message type at
// startup; delivery is at-least-once, so handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"filbeam-backend/internal/config"
	"filbeam-backend/internal/metrics"
	"filbeam-backend/internal/models"
)

// Handler processes one message payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Store is the persistence slice the consumer needs.
type Store interface {
	ClaimNextMessage(ctx context.Context, lease time.Duration) (*models.QueueMessage, error)
	CompleteMessage(ctx context.Context, id string) error
	FailMessage(ctx context.Context, id string, attempt, maxAttempts int, errMessage string) error
	ReclaimExpiredMessages(ctx context.Context) (int64, error)
}

// Consumer polls the queue and dispatches messages to registered handlers.
type Consumer struct {
	store    Store
	handlers map[string]Handler
	cfg      *config.Config
}

func NewConsumer(st Store, cfg *config.Config) *Consumer {
	return &Consumer{store: st, handlers: make(map[string]Handler), cfg: cfg}
}

// Handle registers the handler for a message type. Not safe to call once
// Start is running.
func (c *Consumer) Handle(msgType string, h Handler) {
	c.handlers[msgType] = h
}

// Start polls until the context ends. Each tick reclaims expired leases and
// then drains every due message.
func (c *Consumer) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.QueuePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.store.ReclaimExpiredMessages(ctx); err != nil {
				log.Printf("[queue] reclaim failed: %v", err)
			} else if n > 0 {
				log.Printf("[queue] reclaimed %d expired leases", n)
			}

			for ctx.Err() == nil {
				claimed, err := c.RunOnce(ctx)
				if err != nil {
					log.Printf("[queue] claim failed: %v", err)
					break
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// RunOnce claims and processes at most one message. Reports whether a
// message was claimed.
func (c *Consumer) RunOnce(ctx context.Context) (bool, error) {
	msg, err := c.store.ClaimNextMessage(ctx, c.cfg.QueueLease)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	metrics.QueueClaims.Inc()

	handler, ok := c.handlers[msg.Type]
	if !ok {
		// Unknown types are acked, not requeued: a typo'd producer must not
		// create a poison loop.
		log.Printf("[queue] no handler for %q, dropping message %s", msg.Type, msg.ID)
		return true, c.store.CompleteMessage(ctx, msg.ID)
	}

	if err := handler(ctx, msg.Payload); err != nil {
		metrics.QueueFailures.Inc()
		log.Printf("[queue] %s message %s failed on attempt %d: %v", msg.Type, msg.ID, msg.Attempt, err)
		if ferr := c.store.FailMessage(ctx, msg.ID, msg.Attempt, c.cfg.QueueMaxAttempts, err.Error()); ferr != nil {
			return true, fmt.Errorf("failed to park message %s: %w", msg.ID, ferr)
		}
		return true, nil
	}
	return true, c.store.CompleteMessage(ctx, msg.ID)
}
