package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Ledger ---
	LedgerMutations  *prometheus.CounterVec
	LedgerDuplicates prometheus.Counter

	// --- Trades & settlement ---
	TradesCreated        *prometheus.CounterVec
	TradesSettled        *prometheus.CounterVec
	SettleDuration       prometheus.Histogram
	SettleSweepRecovered prometheus.Counter
	SettleFallbackSignal prometheus.Counter
	ReconciliationErrors prometheus.Counter

	// --- Workflows ---
	TransfersRequested *prometheus.CounterVec
	TransfersDecided   *prometheus.CounterVec
	Redemptions        *prometheus.CounterVec

	// --- Market data ---
	PriceTicks      *prometheus.CounterVec
	PriceStaleReads prometheus.Counter

	// --- Notifications ---
	NotifyPublished *prometheus.CounterVec
	NotifyDropped   prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		LedgerMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_ledger_mutations_total",
			Help: "Applied balance mutations by reason",
		}, []string{"reason"}),

		LedgerDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optledger_ledger_duplicate_refs_total",
			Help: "Mutations absorbed as idempotent no-ops",
		}),

		TradesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_trades_created_total",
			Help: "Trades accepted by direction",
		}, []string{"direction"}),

		TradesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_trades_settled_total",
			Help: "Trades settled by result",
		}, []string{"result"}),

		SettleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optledger_settle_duration_seconds",
			Help:    "Time to settle a single trade",
			Buckets: settleBuckets,
		}),

		SettleSweepRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optledger_settle_sweep_recovered_total",
			Help: "Overdue pending trades settled by the recovery sweep",
		}),

		SettleFallbackSignal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optledger_settle_fallback_signal_total",
			Help: "Settlements resolved with the pseudo-random fallback signal",
		}),

		ReconciliationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optledger_settle_reconciliation_errors_total",
			Help: "Settlement debits that failed unexpectedly (alert on any increase)",
		}),

		TransfersRequested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_transfers_requested_total",
			Help: "Withdrawal/deposit requests by kind",
		}, []string{"kind"}),

		TransfersDecided: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_transfers_decided_total",
			Help: "Transfer decisions by kind and outcome",
		}, []string{"kind", "decision"}),

		Redemptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_redemptions_total",
			Help: "Bonus code redemptions by outcome",
		}, []string{"outcome"}),

		PriceTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_price_ticks_total",
			Help: "Price ticks ingested by symbol",
		}, []string{"symbol"}),

		PriceStaleReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optledger_price_stale_reads_total",
			Help: "Feed reads that found no fresh price for the symbol",
		}),

		NotifyPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_notify_published_total",
			Help: "Outbound events published by type",
		}, []string{"event_type"}),

		NotifyDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optledger_notify_dropped_total",
			Help: "Outbound events dropped after a failed publish",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optledger_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
