package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_settlement_settled_total",
		Help: "Total number of transactions transitioned to settled",
	})

	transactionsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_settlement_failed_total",
		Help: "Total number of transactions transitioned to failed",
	})

	transactionsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_settlement_retried_total",
		Help: "Total number of polls that consumed an attempt without a match",
	})

	ledgerTransientErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_settlement_ledger_transient_errors_total",
		Help: "Total number of transient ledger failures deferred to the next tick",
	})

	ledgerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_settlement_ledger_errors_total",
		Help: "Total number of non-transient ledger lookup failures",
	})

	ticksDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_settlement_ticks_disabled_total",
		Help: "Ticks skipped because settlement is disabled by feature flag",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anchor_settlement_pending_transactions",
		Help: "Pending transactions scanned by the most recent tick",
	})

	tickDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchor_settlement_tick_duration_seconds",
		Help:    "Duration of settlement ticks",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
