package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the custody ledger.
type Metrics struct {
	// --- Ledger ---
	LedgerEntriesWritten *prometheus.CounterVec // asset, kind
	LedgerWriteDuration  *prometheus.HistogramVec
	LedgerConflictRetry  prometheus.Counter
	LedgerWriteErrors    *prometheus.CounterVec // reason

	// --- Settlement ---
	SettlementTransitions *prometheus.CounterVec // kind, to_status
	SettlementAmbiguous   prometheus.Counter
	CustodianCallDuration *prometheus.HistogramVec // call
	CustodianCallErrors   *prometheus.CounterVec   // call, reason

	// --- Webhook gate ---
	WebhookAccepted prometheus.Counter
	WebhookRejected *prometheus.CounterVec // reason
	WebhookReplays  prometheus.Counter

	// --- Price feed ---
	PriceLookups      *prometheus.CounterVec // result: fresh|cached|stale|unavailable
	PriceFetchLatency prometheus.Histogram

	// --- Reconciliation ---
	ReconcileRuns        prometheus.Counter
	ReconcileDriftTotal  prometheus.Gauge
	ReconcileAccounts    prometheus.Gauge
	ReconcileDriftedAccs prometheus.Gauge

	// --- Outbound publishing ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		LedgerEntriesWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ledger_entries_written_total",
			Help: "Ledger entries appended, by asset and kind",
		}, []string{"asset", "kind"}),

		LedgerWriteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_ledger_write_duration_seconds",
			Help:    "Time to atomically append an entry and update the snapshot",
			Buckets: latencyBuckets,
		}, []string{"asset"}),

		LedgerConflictRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_ledger_conflict_retries_total",
			Help: "Concurrent-write conflicts retried internally",
		}),

		LedgerWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ledger_write_errors_total",
			Help: "Ledger mutations rejected, by reason",
		}, []string{"reason"}),

		SettlementTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_settlement_transitions_total",
			Help: "Settlement transaction status transitions",
		}, []string{"kind", "to_status"}),

		SettlementAmbiguous: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_settlement_ambiguous_outcomes_total",
			Help: "Custodian calls with ambiguous outcome left for manual follow-up",
		}),

		CustodianCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_custodian_call_duration_seconds",
			Help:    "Latency of outbound custodian calls",
			Buckets: latencyBuckets,
		}, []string{"call"}),

		CustodianCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_custodian_call_errors_total",
			Help: "Failed custodian calls, by call and reason",
		}, []string{"call", "reason"}),

		WebhookAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_webhook_accepted_total",
			Help: "Webhook notifications that passed all gate checks",
		}),

		WebhookRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_webhook_rejected_total",
			Help: "Webhook notifications rejected by the gate, by reason",
		}, []string{"reason"}),

		WebhookReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_webhook_replays_total",
			Help: "Duplicate webhook deliveries suppressed",
		}),

		PriceLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_price_lookups_total",
			Help: "Spot price lookups, by result",
		}, []string{"result"}),

		PriceFetchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_price_fetch_duration_seconds",
			Help:    "Latency of upstream price feed fetches",
			Buckets: latencyBuckets,
		}),

		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_reconcile_runs_total",
			Help: "Reconciliation job executions",
		}),

		ReconcileDriftTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custody_reconcile_drift_abs_total",
			Help: "Sum of absolute per-account drift from the last run",
		}),

		ReconcileAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custody_reconcile_accounts",
			Help: "Accounts examined in the last reconciliation run",
		}),

		ReconcileDriftedAccs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custody_reconcile_drifted_accounts",
			Help: "Accounts whose drift exceeded tolerance in the last run",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_publish_drops_total",
			Help: "Outbound events dropped because the publish buffer was full",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_publish_errors_total",
			Help: "Outbound event publish failures",
		}),
	}
}
