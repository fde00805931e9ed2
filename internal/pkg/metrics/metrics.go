package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for webhook handling and the account pool
var (
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciliosclick_webhook_deliveries_total",
			Help: "Webhook deliveries by source, event type and outcome",
		},
		[]string{"source", "event", "outcome"},
	)

	WebhookSignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciliosclick_webhook_signature_failures_total",
			Help: "Webhook deliveries rejected because the signature did not verify",
		},
		[]string{"source"},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciliosclick_allocations_total",
			Help: "Allocator calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	AllocationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciliosclick_allocation_retries_total",
			Help: "Transient storage errors retried by the allocator",
		},
	)

	PoolAccounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciliosclick_pool_accounts",
			Help: "Pre-provisioned accounts per status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciliosclick_jobs_total",
			Help: "Background jobs by type and final status",
		},
		[]string{"type", "status"},
	)

	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciliosclick_job_queue_depth",
			Help: "Jobs waiting in (pending) or claimed from (processing) the Redis queue",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		WebhookDeliveriesTotal,
		WebhookSignatureFailuresTotal,
		AllocationsTotal,
		AllocationRetriesTotal,
		PoolAccounts,
		JobsTotal,
		JobQueueDepth,
	)
}
