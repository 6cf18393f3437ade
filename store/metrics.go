package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	partitionsEnsuredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_partitions_ensured_total",
		Help: "Total number of ensure-partition calls that completed",
	})

	partitionsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchor_partitions_dropped_total",
		Help: "Total number of expired partitions dropped",
	})
)
