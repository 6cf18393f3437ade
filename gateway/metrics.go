package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callbacksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_callbacks_received_total",
		Help: "Total number of callback requests received",
	})

	callbacksDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_callbacks_duplicate_total",
		Help: "Total number of callbacks replaying a known anchor transaction id",
	})

	callbacksRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_callbacks_rejected_total",
		Help: "Total number of callbacks rejected by validation",
	})
)
