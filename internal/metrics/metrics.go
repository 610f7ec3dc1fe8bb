// Package metrics exposes the Prometheus instrumentation shared by the
// gateway, indexer, reporter, queue, and monitor. Collectors register
// themselves via promauto; the internal listener mounts Handler at /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filbeam-backend/internal/eventbus"
)

var (
	retrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_retrievals_total",
		Help: "Retrieval requests handled, by response status",
	}, []string{"status"})
	egressBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_egress_bytes_total",
		Help: "Billable bytes of content streamed to clients",
	})
	cacheMissEgressBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cache_miss_egress_bytes_total",
		Help: "Billable bytes that were fetched from the origin provider",
	})
)

var (
	// OriginCacheLookups counts origin cache outcomes: hit, miss, bypass.
	OriginCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_origin_cache_lookups_total",
		Help: "Origin cache lookups, by outcome",
	}, []string{"outcome"})

	// WebhookEvents counts indexer webhook deliveries by path and outcome
	// (ok, invalid, unauthorized, error).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_webhook_events_total",
		Help: "Webhook deliveries received, by path and outcome",
	}, []string{"path", "outcome"})

	// QueueClaims counts messages claimed for processing.
	QueueClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_claims_total",
		Help: "Queue messages claimed by the consumer",
	})

	// QueueFailures counts handler dispatches that returned an error.
	QueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_failures_total",
		Help: "Queue message dispatches that failed",
	})

	// ReporterBatches counts usage rollup batches submitted on chain.
	ReporterBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporter_batches_total",
		Help: "Usage report batches submitted to the operator contract",
	})

	// MonitorOutcomes counts finished monitor workflows: confirmed, retried,
	// failed.
	MonitorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_outcomes_total",
		Help: "Transaction monitor workflows finished, by outcome",
	}, []string{"outcome"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRetrievals consumes retrieval.completed events and keeps the
// gateway counters current. Runs until the channel closes; main starts it
// once with a bus subscription.
func ObserveRetrievals(events <-chan eventbus.Event) {
	for evt := range events {
		rc, ok := evt.Data.(eventbus.RetrievalCompleted)
		if !ok {
			continue
		}
		retrievalsTotal.WithLabelValues(strconv.Itoa(rc.Status)).Inc()
		if rc.EgressBytes > 0 {
			egressBytesTotal.Add(float64(rc.EgressBytes))
			if rc.CacheMiss {
				cacheMissEgressBytesTotal.Add(float64(rc.EgressBytes))
			}
		}
	}
}
