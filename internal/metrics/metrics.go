// Package metrics exposes Prometheus counters and histograms for the
// dispatch subsystem. Everything is registered on the default registry
// and served from the /metrics endpoint on cmd/server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts successful driver dispatches by channel.
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sends_total",
		Help: "Successful sends by channel.",
	}, []string{"channel"})

	// RejectsTotal counts JIT rejections by reason.
	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jit_rejects_total",
		Help: "JIT rejections by reason.",
	}, []string{"reason"})

	// DriverErrorsTotal counts driver failures by channel and class.
	DriverErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_driver_errors_total",
		Help: "Driver errors by channel and classification.",
	}, []string{"channel", "class"})

	// EnrichmentOutcomes counts waterfall results by tier reached.
	EnrichmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_enrichment_outcomes_total",
		Help: "Enrichment waterfall outcomes by tier and acceptance.",
	}, []string{"tier", "accepted"})

	// LedgerExhausted counts rate ledger reservations denied for cap.
	LedgerExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_ledger_exhausted_total",
		Help: "Rate ledger reservations denied by resource type.",
	}, []string{"resource_type"})

	// SuppressionLookupErrors counts suppression index read failures,
	// each of which fails closed (treated as suppressed).
	SuppressionLookupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_suppression_lookup_errors_total",
		Help: "Suppression index lookup errors (failed closed).",
	})

	// RepliesTotal counts classified inbound replies by intent.
	RepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_replies_total",
		Help: "Inbound replies by classified intent.",
	}, []string{"intent"})

	// SchedulerRunSeconds observes end-to-end scheduler run duration.
	SchedulerRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_scheduler_run_seconds",
		Help:    "Duration of one scheduler run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// PatternRunsTotal counts completed pattern detector runs by kind.
	PatternRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pattern_runs_total",
		Help: "Completed pattern detector runs by kind.",
	}, []string{"kind"})

	// WebhookPushFailures counts outbound meeting webhook push failures.
	WebhookPushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_webhook_push_failures_total",
		Help: "Outbound meeting webhook delivery failures.",
	})
)
